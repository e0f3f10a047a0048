package auth

import (
	"context"
	"errors"
	"strings"
)

// Chain tries each authenticator in order and accepts the first match. A
// credential rejected by every authenticator is ErrAuthInvalid, unless one
// of them could not be consulted, in which case the chain fails closed
// with that error.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, ErrAuthMissing
	}

	var unavailable error
	for _, a := range c {
		p, err := a.Authenticate(ctx, credential)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrAuthInvalid) && !errors.Is(err, ErrAuthMissing) && unavailable == nil {
			unavailable = err
		}
	}
	if unavailable != nil {
		return nil, unavailable
	}
	return nil, ErrAuthInvalid
}
