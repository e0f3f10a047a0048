package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"strings"
)

// StaticKey is one configured secret.
type StaticKey struct {
	ID     string
	Secret string
}

type staticEntry struct {
	id     string
	digest [sha256.Size]byte
}

// StaticAuthenticator checks credentials against secrets from configuration.
//
// Both sides are hashed to a fixed-size digest before comparison and every
// configured key is compared, so the time taken depends neither on the
// secret's length nor on which key (if any) matched.
type StaticAuthenticator struct {
	keys []staticEntry
}

// NewStaticAuthenticator creates an authenticator for the given keys. Keys
// with an empty secret are ignored.
func NewStaticAuthenticator(keys []StaticKey) *StaticAuthenticator {
	a := &StaticAuthenticator{}
	for _, k := range keys {
		if k.Secret == "" {
			continue
		}
		a.keys = append(a.keys, staticEntry{id: k.ID, digest: sha256.Sum256([]byte(k.Secret))})
	}
	return a
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, credential string) (*Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrAuthMissing
	}

	presented := sha256.Sum256([]byte(credential))
	matched := -1
	for i := range a.keys {
		if subtle.ConstantTimeCompare(presented[:], a.keys[i].digest[:]) == 1 && matched < 0 {
			matched = i
		}
	}
	if matched < 0 {
		return nil, ErrAuthInvalid
	}
	return &Principal{KeyID: a.keys[matched].id}, nil
}

// Len returns the number of usable keys.
func (a *StaticAuthenticator) Len() int { return len(a.keys) }
