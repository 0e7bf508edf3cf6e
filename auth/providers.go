package auth

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// NewStatic returns an Authenticator that verifies JWTs signed by keys from
// jwksURI. Keys are refreshed in the background until ctx ends. Only RS256
// is accepted unless WithAllowedAlgs says otherwise.
func NewStatic(ctx context.Context, issuer, jwksURI string, opts ...Option) (Authenticator, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newJWTAuthenticator(newConfig(issuer, []string{"RS256"}, opts), kf.Keyfunc), nil
}

// NewFromDiscovery performs OpenID Connect discovery against issuer to
// locate its jwks_uri and returns an Authenticator like NewStatic.
func NewFromDiscovery(ctx context.Context, issuer string, opts ...Option) (Authenticator, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	return NewStatic(ctx, meta.Issuer, meta.JwksURI, opts...)
}

// NewHMAC returns an Authenticator for tokens signed with a shared secret.
// Only HS256 is accepted unless WithAllowedAlgs says otherwise. An empty
// issuer skips the issuer check.
func NewHMAC(secret []byte, issuer string, opts ...Option) (Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	key := append([]byte(nil), secret...)
	return newJWTAuthenticator(newConfig(issuer, []string{"HS256"}, opts), func(*jwt.Token) (any, error) {
		return key, nil
	}), nil
}
