package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestVerifierDisabledAcceptsEverything(t *testing.T) {
	v, err := NewKeyVerifier(nil, []string{" "})
	if err != nil {
		t.Fatalf("NewKeyVerifier: %v", err)
	}
	if v.Enabled() {
		t.Error("verifier with no keys should be disabled")
	}
	if err := v.VerifyRequest(httptest.NewRequest(http.MethodGet, "/", nil)); err != nil {
		t.Errorf("VerifyRequest() = %v, want nil", err)
	}
}

func TestVerifyPlainAndHashedKeys(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}

	v, err := NewKeyVerifier([]string{"plain-key"}, []string{string(hash)})
	if err != nil {
		t.Fatalf("NewKeyVerifier: %v", err)
	}
	if !v.Enabled() {
		t.Fatal("verifier with keys should be enabled")
	}

	tests := []struct {
		key  string
		want error
	}{
		{"plain-key", nil},
		{"hashed-key", nil},
		{"wrong", ErrInvalidKey},
		{"", ErrMissingKey},
	}
	for _, tt := range tests {
		if err := v.Verify(tt.key); !errors.Is(err, tt.want) {
			t.Errorf("Verify(%q) = %v, want %v", tt.key, err, tt.want)
		}
	}

	v.AddKey("added")
	if err := v.Verify("added"); err != nil {
		t.Errorf("Verify(added) = %v, want nil", err)
	}
}

func TestNewKeyVerifierRejectsBadHash(t *testing.T) {
	if _, err := NewKeyVerifier(nil, []string{"not-a-bcrypt-hash"}); err == nil {
		t.Error("expected an error for a malformed hash")
	}
}

func TestKeyFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		url    string
		want   string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "/", "abc"},
		{"bearer lowercase", map[string]string{"Authorization": "bearer abc"}, "/", "abc"},
		{"basic is ignored", map[string]string{"Authorization": "Basic abc"}, "/?api_key=q", ""},
		{"x-api-key", map[string]string{"X-API-Key": "xyz"}, "/", "xyz"},
		{"query", nil, "/ws/training/1?api_key=q", "q"},
		{"none", nil, "/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := KeyFromRequest(r); got != tt.want {
				t.Errorf("KeyFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateAndHash(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if len(key) != 44 {
		t.Errorf("key length = %d, want 44", len(key))
	}

	hash, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	v, err := NewKeyVerifier(nil, []string{hash})
	if err != nil {
		t.Fatalf("NewKeyVerifier: %v", err)
	}
	if err := v.Verify(key); err != nil {
		t.Errorf("Verify() = %v, want nil", err)
	}
}

func TestSecureCompare(t *testing.T) {
	if !SecureCompare("a", "a") {
		t.Error("equal strings should compare equal")
	}
	if SecureCompare("a", "b") || SecureCompare("a", "ab") {
		t.Error("different strings should not compare equal")
	}
}
