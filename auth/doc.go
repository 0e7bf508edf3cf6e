// Package auth authenticates subscriptions and requests with bearer tokens.
// It plugs into a server.Registry as a preSub extension; the router itself
// knows nothing about credentials.
//
// An Authenticator validates a token string and returns a UserInfo (or an
// error). Three JWT-based constructors are provided:
//
//	NewStatic        : keys from a fixed JWKS URI, auto-refreshed
//	NewFromDiscovery : jwks_uri learned through OpenID Connect discovery
//	NewHMAC          : a shared secret, for development and internal services
//
// Example:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example",
//	    auth.WithAudiences("https://cana.example"),
//	    auth.WithRequiredScopes("cana:subscribe"),
//	)
//	if err != nil { log.Fatal(err) }
//
//	reg.MustExt(server.ExtPreSub, auth.PreSub(authn))
//	reg.Topic("private", server.TopicConfig{
//	    Handler: func(ctx context.Context, sc *server.SubContext, emit server.EmitFunc) error {
//	        user, _ := auth.UserFrom(sc)
//	        return emit(ctx, user.UserID())
//	    },
//	})
//
// # Scopes
//
// WithRequiredScopes enforces that all provided scopes are present in the
// token's space-delimited scope claim; WithAnyRequiredScope relaxes this so
// at least one matches.
//
// # Errors
//
// ErrUnauthorized signals the token is missing or invalid (signature, expiry,
// audience, etc.). ErrInsufficientScope signals successful authentication but
// missing required scope(s). A failed preSub is not reported to the client;
// RequireMethod replies with the error message.
package auth
