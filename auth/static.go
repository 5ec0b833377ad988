package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// StaticVerifier maps bearer tokens to principals. Suitable for development
// and single-box deployments; production fronts the service with a real
// identity provider implementing Verifier.
type StaticVerifier map[string]Principal

// Authenticate looks the credential up in the token table.
func (v StaticVerifier) Authenticate(_ context.Context, credential string) (Principal, error) {
	p, ok := v[credential]
	if !ok {
		return Principal{}, errors.New("unknown credential")
	}
	return p, nil
}

type staticEntry struct {
	Subject     string   `json:"subject"`
	TenantID    string   `json:"tenant_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

// LoadStaticVerifier reads a JSON token table: {"<token>": {"subject": ...,
// "tenant_id": ..., "role": ...}}. An empty path yields an empty table.
func LoadStaticVerifier(path string) (StaticVerifier, error) {
	if path == "" {
		return StaticVerifier{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token table: %w", err)
	}
	var entries map[string]staticEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse token table: %w", err)
	}
	v := make(StaticVerifier, len(entries))
	for token, e := range entries {
		v[token] = Principal{
			Subject:     e.Subject,
			TenantID:    e.TenantID,
			Role:        e.Role,
			Permissions: e.Permissions,
		}
	}
	return v, nil
}
