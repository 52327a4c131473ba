package surface

import (
	"context"
	"encoding/json"
	"fmt"
)

// MessageType names a request or response.
type MessageType string

const (
	MsgExchangeKeys     MessageType = "EXCHANGE_KEYS"
	MsgActivateLockdown MessageType = "ACTIVATE_LOCKDOWN"

	resultSuffix = "_RESULT"
)

// ResultType returns the response type paired with a request type.
func (t MessageType) ResultType() MessageType {
	return t + resultSuffix
}

// Envelope is the wire unit exchanged with the in-page context.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// KeyExchangeRequest opens the secure channel. Binary fields are base64.
type KeyExchangeRequest struct {
	ProtocolVersion string `json:"protocolVersion"`
	Curve           string `json:"curve"`
	PublicKey       string `json:"publicKey"`
	ClientNonce     string `json:"clientNonce"`
}

type KeyExchangeResponse struct {
	Curve        string `json:"curve"`
	PublicKey    string `json:"publicKey"`
	ServerNonce  string `json:"serverNonce"`
	AgentVersion string `json:"agentVersion"`
}

// LockdownRequest asks the page to enter tamper-detection mode.
type LockdownRequest struct {
	Protections []string `json:"protections"`
}

// Baseline summarizes the page content at lockdown.
type Baseline struct {
	ContentHash  string `json:"contentHash"`
	ElementCount int    `json:"elementCount"`
	TextLength   int    `json:"textLength"`
	FrameCount   int    `json:"frameCount"`
}

type LockdownResponse struct {
	Active      bool     `json:"active"`
	Protections []string `json:"protections"`
	Baseline    Baseline `json:"baseline"`
}

// NewRequest builds a request envelope around payload.
func NewRequest(t MessageType, id, token string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("surface: encode %s: %w", t, err)
	}
	return Envelope{Type: t, ID: id, Token: token, Payload: raw}, nil
}

// NewResponse builds the response envelope for req.
func NewResponse(req Envelope, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("surface: encode %s: %w", req.Type.ResultType(), err)
	}
	return Envelope{Type: req.Type.ResultType(), ID: req.ID, Payload: raw}, nil
}

// NewErrorResponse builds a rejection for req.
func NewErrorResponse(req Envelope, msg string) Envelope {
	return Envelope{Type: req.Type.ResultType(), ID: req.ID, Error: msg}
}

// Exchange sends req, checks the response is the matching result, validates
// its payload against the result schema and decodes it into out.
func Exchange(ctx context.Context, m Messenger, req Envelope, out any) error {
	resp, err := m.RoundTrip(ctx, req)
	if err != nil {
		return err
	}
	if resp.Type != req.Type.ResultType() {
		return fmt.Errorf("%w: expected %s, got %q", ErrProtocolViolation, req.Type.ResultType(), resp.Type)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("%w: response id %q does not match request %q", ErrProtocolViolation, resp.ID, req.ID)
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: %s: %s", ErrPeerRejected, req.Type, resp.Error)
	}
	if err := ValidatePayload(resp.Type, resp.Payload); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Payload, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrProtocolViolation, resp.Type, err)
	}
	return nil
}
