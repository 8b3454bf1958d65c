package auth

import (
	"strings"
	"testing"
)

func TestGenerateAPIKey(t *testing.T) {
	key, hash, preview, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	if !strings.HasPrefix(key, KeyPrefix) {
		t.Errorf("key should carry the %q prefix: %q", KeyPrefix, key)
	}
	if !ValidKeyShape(key) {
		t.Errorf("generated key should pass the shape check: %q", key)
	}
	if hash != HashAPIKey(key) {
		t.Error("returned hash should match HashAPIKey of the key")
	}
	if len(hash) != 64 {
		t.Errorf("expected hex sha256, got %d chars", len(hash))
	}
	if !strings.HasSuffix(key, strings.TrimPrefix(preview, "…")) {
		t.Errorf("preview %q should be the key tail", preview)
	}
	if strings.Contains(preview, key[:20]) {
		t.Error("preview must not expose the key body")
	}
}

func TestGenerateAPIKeyUnique(t *testing.T) {
	a, _, _, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	b, _, _, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two generated keys should differ")
	}
}

func TestValidKeyShape(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{name: "empty", key: "", want: false},
		{name: "wrong prefix", key: "sk_0123456789abcdef0123456789abcdef0123456789abcdef", want: false},
		{name: "too short", key: "proj_abc123", want: false},
		{name: "uppercase hex rejected", key: "proj_" + strings.Repeat("A", 48), want: false},
		{name: "non-hex rejected", key: "proj_" + strings.Repeat("g", 48), want: false},
		{name: "well formed", key: "proj_" + strings.Repeat("0a", 24), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidKeyShape(tt.key); got != tt.want {
				t.Errorf("ValidKeyShape(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}
