package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func signHMAC(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(iss, aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   iss,
		"sub":   "user-123",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "cana:read cana:write",
	}
}

func TestHMAC_HappyPath(t *testing.T) {
	t.Parallel()

	a, err := NewHMAC(testSecret, "cana", WithAudiences("api"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ui, err := a.CheckAuthentication(context.Background(), signHMAC(t, validClaims("cana", "api")))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("want sub user-123, got %s", ui.UserID())
	}

	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil || out.Scope != "cana:read cana:write" {
		t.Fatalf("claims: %q, %v", out.Scope, err)
	}
}

func TestHMAC_Rejections(t *testing.T) {
	t.Parallel()

	a, err := NewHMAC(testSecret, "cana", WithAudiences("api"), WithLeeway(0))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	expired := validClaims("cana", "api")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	noSub := validClaims("cana", "api")
	delete(noSub, "sub")

	wrongKey, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("cana", "api")).SignedString([]byte("another-secret-another-secret!!!"))

	cases := map[string]string{
		"empty":          "",
		"garbage":        "not-a-jwt",
		"wrong issuer":   signHMAC(t, validClaims("other", "api")),
		"wrong audience": signHMAC(t, validClaims("cana", "other")),
		"expired":        signHMAC(t, expired),
		"missing sub":    signHMAC(t, noSub),
		"wrong key":      wrongKey,
	}
	for name, tok := range cases {
		if _, err := a.CheckAuthentication(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
}

func TestScopes(t *testing.T) {
	t.Parallel()

	tok := signHMAC(t, validClaims("cana", "api"))

	all, _ := NewHMAC(testSecret, "cana", WithRequiredScopes("cana:read", "cana:admin"))
	if _, err := all.CheckAuthentication(context.Background(), tok); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("expected ErrInsufficientScope, got %v", err)
	}

	anyOf, _ := NewHMAC(testSecret, "cana", WithAnyRequiredScope("cana:read", "cana:admin"))
	if _, err := anyOf.CheckAuthentication(context.Background(), tok); err != nil {
		t.Fatalf("expected any-scope match, got %v", err)
	}
}

func TestNewHMAC_RequiresSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewHMAC(nil, ""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	b, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signRSA(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// newMockIssuer serves OpenID discovery metadata and a JWKS.
func newMockIssuer(t *testing.T, jwks []byte) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   srv.URL,
			"jwks_uri":                 srv.URL + "/keys",
			"authorization_endpoint":   srv.URL + "/oauth2/auth",
			"token_endpoint":           srv.URL + "/oauth2/token",
			"response_types_supported": []string{"code"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStaticAndDiscovery(t *testing.T) {
	t.Parallel()

	pk, kid, jwks := genRSA(t)
	srv := newMockIssuer(t, jwks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	static, err := NewStatic(ctx, srv.URL, srv.URL+"/keys", WithAudiences("api"))
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	discovered, err := NewFromDiscovery(ctx, srv.URL, WithAudiences("api"))
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}

	tok := signRSA(t, pk, kid, validClaims(srv.URL, "api"))
	for name, a := range map[string]Authenticator{"static": static, "discovery": discovered} {
		ui, err := a.CheckAuthentication(ctx, tok)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if ui.UserID() != "user-123" {
			t.Fatalf("%s: unexpected user %s", name, ui.UserID())
		}
	}

	// An HMAC token must not pass an RS256-only authenticator.
	if _, err := static.CheckAuthentication(ctx, signHMAC(t, validClaims(srv.URL, "api"))); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for HS256 token, got %v", err)
	}
}
