package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
	"sync"
)

// Algo selects the HMAC hash for a provider's signatures.
type Algo string

const (
	AlgoSHA256 Algo = "sha256"
	AlgoSHA512 Algo = "sha512"
)

func (a Algo) hasher() func() hash.Hash {
	if a == AlgoSHA512 {
		return sha512.New
	}
	return sha256.New
}

// SignPayload computes the HMAC of payload under secret, returning the
// hex-encoded result. Signing always runs over the raw request bytes,
// never a re-serialized form.
func SignPayload(payload []byte, secret string, algo Algo) string {
	mac := hmac.New(algo.hasher(), []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches
// the HMAC of payload under the given secret. An "sha256=" or
// "sha512=" prefix on the presented signature is accepted.
func VerifySignature(payload []byte, secret, signature string, algo Algo) bool {
	if i := strings.IndexByte(signature, '='); i >= 0 && Algo(signature[:i]) == algo {
		signature = signature[i+1:]
	}
	expected := SignPayload(payload, secret, algo)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SecretStore holds per-provider webhook signing secrets.
type SecretStore struct {
	mu      sync.RWMutex
	secrets map[string]providerSecret
}

type providerSecret struct {
	secret string
	algo   Algo
}

func NewSecretStore() *SecretStore {
	return &SecretStore{secrets: make(map[string]providerSecret)}
}

// Set registers the signing secret for a provider.
func (s *SecretStore) Set(provider, secret string, algo Algo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[provider] = providerSecret{secret: secret, algo: algo}
}

// Verify checks signature over payload for the provider.
func (s *SecretStore) Verify(provider string, payload []byte, signature string) error {
	s.mu.RLock()
	ps, ok := s.secrets[provider]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownProvider
	}
	if !VerifySignature(payload, ps.secret, signature, ps.algo) {
		return ErrBadSignature
	}
	return nil
}
