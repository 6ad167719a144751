package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// QueryParam carries the key for clients that cannot set headers, such as
// browser websockets.
const QueryParam = "api_key"

// KeyVerifier checks API keys against plaintext keys and bcrypt hashes.
// A verifier with no keys configured accepts every request.
type KeyVerifier struct {
	mu     sync.RWMutex
	keys   []string
	hashes [][]byte
}

// NewKeyVerifier creates a verifier. Hashes must be bcrypt encoded.
func NewKeyVerifier(keys, hashes []string) (*KeyVerifier, error) {
	v := &KeyVerifier{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			v.keys = append(v.keys, k)
		}
	}
	for _, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("invalid API key hash: %w", err)
		}
		v.hashes = append(v.hashes, []byte(h))
	}
	return v, nil
}

// Enabled reports whether any key is configured
func (v *KeyVerifier) Enabled() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keys) > 0 || len(v.hashes) > 0
}

// AddKey registers another plaintext key
func (v *KeyVerifier) AddKey(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys = append(v.keys, key)
}

// Verify returns nil when key matches a configured key or hash
func (v *KeyVerifier) Verify(key string) error {
	if key == "" {
		return ErrMissingKey
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	// every key is compared so timing does not reveal which one matched
	match := false
	for _, k := range v.keys {
		if SecureCompare(key, k) {
			match = true
		}
	}
	if match {
		return nil
	}
	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return nil
		}
	}
	return ErrInvalidKey
}

// VerifyRequest checks the key carried by r
func (v *KeyVerifier) VerifyRequest(r *http.Request) error {
	if !v.Enabled() {
		return nil
	}
	return v.Verify(KeyFromRequest(r))
}

// KeyFromRequest extracts a bearer token, an X-API-Key header or the api_key
// query parameter, in that order.
func KeyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get(QueryParam)
}

// GenerateAPIKey returns a random URL-safe key
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(keyBytes), nil
}

// HashAPIKey returns the bcrypt hash to configure instead of a plaintext key
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
