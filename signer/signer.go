// Package signer implements the shared-secret HMAC-SHA256 primitive
// used for both ticket transactions and dynamic ticket tokens. Each
// caller builds its own payload; the signer only sees bytes.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrEmptySecret is returned by New when no secret is configured.
var ErrEmptySecret = errors.New("signer: secret must not be empty")

// HMAC signs payloads with HMAC-SHA256 keyed by a shared secret.
type HMAC struct {
	key []byte
}

// New returns a signer keyed by secret. An empty secret is rejected;
// there is no default key.
func New(secret string) (*HMAC, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &HMAC{key: []byte(secret)}, nil
}

// Sign returns hex(HMAC-SHA256(secret, payload)).
func (s *HMAC) Sign(payload []byte) string {
	return hex.EncodeToString(s.mac(payload))
}

// Verify recomputes the signature and compares the hex strings in
// constant time. Only the lower-case encoding Sign produces verifies.
func (s *HMAC) Verify(payload []byte, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(s.Sign(payload)))
}

func (s *HMAC) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write(payload)
	return h.Sum(nil)
}
