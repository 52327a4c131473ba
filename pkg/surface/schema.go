package surface

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://pisa.schemas.local/surface/"

var (
	schemasOnce sync.Once
	schemas     map[MessageType]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[MessageType]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemasErr = err
			return
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		urls := make(map[MessageType]string, len(entries))
		for _, e := range entries {
			data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
			if err != nil {
				schemasErr = err
				return
			}
			url := schemaBaseURL + e.Name()
			if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("surface schema load failed: %w", err)
				return
			}
			urls[MessageType(e.Name()[:len(e.Name())-len(".schema.json")])] = url
		}
		compiled := make(map[MessageType]*jsonschema.Schema, len(urls))
		for t, url := range urls {
			s, err := c.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("surface schema compile failed: %w", err)
				return
			}
			compiled[t] = s
		}
		schemas = compiled
	})
	return schemas, schemasErr
}

// ValidatePayload checks a payload against the schema registered for t.
// Types without a schema are rejected.
func ValidatePayload(t MessageType, payload []byte) error {
	all, err := loadSchemas()
	if err != nil {
		return err
	}
	s, ok := all[t]
	if !ok {
		return fmt.Errorf("%w: no schema for %s", ErrProtocolViolation, t)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: %s: empty payload", ErrProtocolViolation, t)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProtocolViolation, t, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %s: schema validation failed: %v", ErrProtocolViolation, t, err)
	}
	return nil
}
