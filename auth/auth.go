package auth

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrUnauthorized means the token is missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInsufficientScope means the token is valid but lacks a required scope.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// UserInfo is the principal behind a subscription or request. It is shared
// by every handler of one subscription and must be safe for concurrent use.
type UserInfo interface {
	// UserID is the token subject.
	UserID() string
	// Claims decodes the token claims into ref.
	Claims(ref any) error
}

// Authenticator checks a bearer token taken from the upgrade request or a
// subscription payload. Invalid tokens yield an error wrapping
// ErrUnauthorized.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, tok string) (UserInfo, error)

func (f AuthenticatorFunc) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	return f(ctx, tok)
}

type userInfo struct {
	sub    string
	claims map[string]any
}

// NewUserInfo builds a UserInfo from a subject and its claims.
func NewUserInfo(sub string, claims map[string]any) UserInfo {
	return &userInfo{sub: sub, claims: claims}
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
