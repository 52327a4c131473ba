package pagesim

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/crypto"
	"github.com/LexatoBR/lexato-extension-sub002/pkg/surface"
)

type clientChannel struct {
	key  []byte
	resp surface.KeyExchangeResponse
}

func openChannel(t *testing.T, p *Page) clientChannel {
	t.Helper()
	ka, err := crypto.NewKeyAgreement(crypto.CurveP256)
	require.NoError(t, err)
	k, err := ka.Generate()
	require.NoError(t, err)
	cn, err := crypto.NewNonce(crypto.DefaultNonceSize)
	require.NoError(t, err)

	req, err := surface.NewRequest(surface.MsgExchangeKeys, "x-1", "", surface.KeyExchangeRequest{
		ProtocolVersion: "1.0.0",
		Curve:           crypto.CurveP256,
		PublicKey:       base64.StdEncoding.EncodeToString(k.PublicKeyBytes()),
		ClientNonce:     base64.StdEncoding.EncodeToString(cn),
	})
	require.NoError(t, err)

	var resp surface.KeyExchangeResponse
	require.NoError(t, surface.Exchange(context.Background(), p, req, &resp))

	peer, err := base64.StdEncoding.DecodeString(resp.PublicKey)
	require.NoError(t, err)
	sn, err := base64.StdEncoding.DecodeString(resp.ServerNonce)
	require.NoError(t, err)
	shared, err := ka.DeriveShared(k, peer)
	require.NoError(t, err)
	key, err := crypto.DeriveChannelKey(shared, cn, sn, "")
	require.NoError(t, err)
	return clientChannel{key: key, resp: resp}
}

func lockdownRequest(t *testing.T, token string) surface.Envelope {
	t.Helper()
	req, err := surface.NewRequest(surface.MsgActivateLockdown, "l-1", token, surface.LockdownRequest{Protections: []string{"dom-mutation-monitor"}})
	require.NoError(t, err)
	return req
}

func TestReloadAndReadiness(t *testing.T) {
	p := New(Options{NotReadyProbes: 1})
	ctx := context.Background()

	require.NoError(t, p.Reload(ctx, "https://example.com/?__pisa_reload=ab"))
	loc, err := p.AwaitReloadComplete(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/?__pisa_reload=ab", loc)
	assert.Equal(t, 1, p.Reloads())

	info, err := p.ProbeReadiness(ctx)
	require.NoError(t, err)
	assert.False(t, info.DocumentReady)

	info, err = p.ProbeReadiness(ctx)
	require.NoError(t, err)
	assert.True(t, info.DocumentReady)
	assert.Equal(t, "complete", info.ReadyState)
	assert.Equal(t, 2, p.Probes())
}

func TestAwaitWithoutReload(t *testing.T) {
	_, err := New(Options{}).AwaitReloadComplete(context.Background())
	require.ErrorIs(t, err, surface.ErrSurfaceUnavailable)
}

func TestUnavailableSurface(t *testing.T) {
	err := New(Options{UnavailableSurface: true}).Reload(context.Background(), "https://example.com")
	require.ErrorIs(t, err, surface.ErrSurfaceUnavailable)
}

func TestKeyExchangeAndLockdown(t *testing.T) {
	p := New(Options{})
	ch := openChannel(t, p)
	assert.Equal(t, DefaultAgentVersion, ch.resp.AgentVersion)

	tok, err := crypto.IssueChannelToken(ch.key, crypto.ChannelClaims{Anchor: "h3"}, time.Now(), time.Hour)
	require.NoError(t, err)

	claims, err := p.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "h3", claims.Anchor)

	var out surface.LockdownResponse
	require.NoError(t, surface.Exchange(context.Background(), p, lockdownRequest(t, tok), &out))
	assert.True(t, out.Active)
	assert.Equal(t, []string{"dom-mutation-monitor"}, out.Protections)
	assert.Len(t, out.Baseline.ContentHash, 64)
	assert.Positive(t, out.Baseline.ElementCount)
	assert.True(t, p.LockdownActive())
}

func TestLockdownRequiresValidToken(t *testing.T) {
	p := New(Options{})
	_ = openChannel(t, p)

	forged, err := crypto.IssueChannelToken(make([]byte, crypto.ChannelKeySize), crypto.ChannelClaims{Anchor: "h3"}, time.Now(), time.Hour)
	require.NoError(t, err)

	var out surface.LockdownResponse
	err = surface.Exchange(context.Background(), p, lockdownRequest(t, forged), &out)
	require.ErrorIs(t, err, surface.ErrPeerRejected)
	assert.False(t, p.LockdownActive())
}

func TestLockdownWithoutChannel(t *testing.T) {
	var out surface.LockdownResponse
	err := surface.Exchange(context.Background(), New(Options{}), lockdownRequest(t, "tok"), &out)
	require.ErrorIs(t, err, surface.ErrPeerRejected)
}

func TestDropMessages(t *testing.T) {
	p := New(Options{DropMessages: 1})
	_, err := p.RoundTrip(context.Background(), lockdownRequest(t, ""))
	require.ErrorIs(t, err, surface.ErrDeliveryFailed)
}

func TestInvalidRequestRejected(t *testing.T) {
	p := New(Options{})
	req := surface.Envelope{Type: surface.MsgExchangeKeys, ID: "1", Payload: []byte(`{"curve":"P-256"}`)}
	resp, err := p.RoundTrip(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, surface.MsgExchangeKeys.ResultType(), resp.Type)
}

func TestLatencyHonoursContext(t *testing.T) {
	p := New(Options{Latency: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.ProbeReadiness(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
