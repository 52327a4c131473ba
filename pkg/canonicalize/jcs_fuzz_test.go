package canonicalize

import (
	"encoding/json"
	"testing"
)

func FuzzJCS(f *testing.F) {
	f.Add([]byte(`{"targetLocation":"https://example.com","runId":"r-1"}`))
	f.Add([]byte(`{"previousHash":"00ff","reloadedLocation":"https://example.com/?__pisa_reload=ab"}`))
	f.Add([]byte(`{"baseline":{"elementCount":12,"textLength":340},"protections":["events","natives"]}`))
	f.Add([]byte(`{"html":"<script>alert('xss')</script> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
			return
		}

		b1, err := JCS(v)
		if err != nil {
			return
		}

		b2, err := JCS(v)
		if err != nil {
			t.Fatal("JCS returned error on second call but not first")
		}
		if string(b1) != string(b2) {
			t.Errorf("JCS non-deterministic:\n  first:  %s\n  second: %s", b1, b2)
		}

		// Canonical output is a fixed point.
		var again interface{}
		if err := json.Unmarshal(b1, &again); err != nil {
			t.Fatalf("JCS output is not valid JSON: %s", string(b1))
		}
		b3, err := JCS(again)
		if err != nil {
			t.Fatalf("JCS failed on its own output: %v", err)
		}
		if string(b1) != string(b3) {
			t.Errorf("JCS not idempotent:\n  first: %s\n  again: %s", b1, b3)
		}
	})
}
