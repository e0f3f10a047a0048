package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Authenticator validates a presented credential. Authorization is binary:
// the authenticator never sees which operation is being requested.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*Principal, error)
}

// Principal identifies the key that authenticated a request.
type Principal struct {
	KeyID string
}

var (
	// ErrAuthMissing is returned when no credential was presented.
	ErrAuthMissing = errors.New("missing credential")
	// ErrAuthInvalid is returned when a credential matches no configured key.
	ErrAuthInvalid = errors.New("invalid credential")
)

// ExtractBearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. RFC 6750: the scheme is case-insensitive.
func ExtractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// TokenFromMetadata extracts a bearer token from incoming gRPC metadata.
func TokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return ""
	}
	return ExtractBearerToken(values[0])
}
