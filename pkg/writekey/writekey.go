// Package writekey authenticates public tracking writes against a set of
// concurrently valid secrets, so keys can rotate without a deploy.
package writekey

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrKeyRequired means auth is mandatory and nothing usable was presented.
	ErrKeyRequired = errors.New("write key required")
	// ErrInvalidKey means a key was presented but matched no configured secret.
	ErrInvalidKey = errors.New("write key invalid")
)

// LegacyKeyID names the single-key config carried for backward compatibility.
const LegacyKeyID = "legacy"

type keyPair struct {
	id     string
	secret string
}

// Registry holds every currently valid write key. Immutable after Parse;
// safe for concurrent use.
type Registry struct {
	keys    []keyPair
	require bool
}

// Parse builds a registry from configured entries. Each entry is either
// "keyId:secret" or a bare secret, which gets an index-based id. An
// optional legacy key is registered first under LegacyKeyID.
func Parse(entries []string, legacyKey string, require bool) *Registry {
	r := &Registry{require: require}
	if secret := strings.TrimSpace(legacyKey); secret != "" {
		r.keys = append(r.keys, keyPair{id: LegacyKeyID, secret: secret})
	}
	for idx, entry := range entries {
		raw := strings.TrimSpace(entry)
		if raw == "" {
			continue
		}
		id := fmt.Sprintf("key-%d", idx+1)
		secret := raw
		if pos := strings.IndexByte(raw, ':'); pos >= 0 {
			id = strings.TrimSpace(raw[:pos])
			secret = strings.TrimSpace(raw[pos+1:])
		}
		if id == "" || secret == "" {
			continue
		}
		r.keys = append(r.keys, keyPair{id: id, secret: secret})
	}
	return r
}

// Empty reports whether no key is configured at all.
func (r *Registry) Empty() bool { return len(r.keys) == 0 }

// Resolve matches a presented key by full-secret equality against every
// configured pair and returns the matching key id. An empty result with a
// nil error means auth is optional and nothing was presented.
func (r *Registry) Resolve(presented string) (string, error) {
	presented = strings.TrimSpace(presented)
	if r.Empty() {
		if r.require {
			return "", ErrKeyRequired
		}
		return "", nil
	}
	if presented == "" {
		if r.require {
			return "", ErrKeyRequired
		}
		return "", nil
	}
	for _, pair := range r.keys {
		if presented == pair.secret {
			return pair.id, nil
		}
	}
	return "", ErrInvalidKey
}
