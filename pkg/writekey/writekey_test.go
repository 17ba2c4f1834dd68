package writekey

import (
	"errors"
	"testing"
)

func TestParseEntries(t *testing.T) {
	r := Parse([]string{"mobile:s3cret-mobile", " ", "bare-secret-value", "web : s3cret-web "}, "old-legacy-secret", false)
	cases := []struct {
		presented string
		wantID    string
	}{
		{"old-legacy-secret", LegacyKeyID},
		{"s3cret-mobile", "mobile"},
		{"bare-secret-value", "key-3"},
		{"s3cret-web", "web"},
	}
	for _, tc := range cases {
		id, err := r.Resolve(tc.presented)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.presented, err)
		}
		if id != tc.wantID {
			t.Fatalf("Resolve(%q) = %q, want %q", tc.presented, id, tc.wantID)
		}
	}
}

func TestResolveOptionalAuth(t *testing.T) {
	r := Parse([]string{"web:secret"}, "", false)
	id, err := r.Resolve("")
	if err != nil || id != "" {
		t.Fatalf("missing key with optional auth should pass anonymously, got id=%q err=%v", id, err)
	}
	if _, err := r.Resolve("wrong"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("presented-but-wrong key must fail even when auth is optional, got %v", err)
	}
}

func TestResolveRequiredAuth(t *testing.T) {
	r := Parse([]string{"web:secret"}, "", true)
	if _, err := r.Resolve(""); !errors.Is(err, ErrKeyRequired) {
		t.Fatalf("expected ErrKeyRequired, got %v", err)
	}
	if id, err := r.Resolve("secret"); err != nil || id != "web" {
		t.Fatalf("expected match, got id=%q err=%v", id, err)
	}
}

func TestResolveNoKeysConfigured(t *testing.T) {
	relaxed := Parse(nil, "", false)
	if id, err := relaxed.Resolve("anything"); err != nil || id != "" {
		t.Fatalf("no keys + optional auth disables checking, got id=%q err=%v", id, err)
	}
	strict := Parse(nil, "", true)
	if _, err := strict.Resolve("anything"); !errors.Is(err, ErrKeyRequired) {
		t.Fatalf("no keys + required auth rejects all writes, got %v", err)
	}
}
