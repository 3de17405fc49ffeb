// Package server implements the OAuth 2.0 / OpenID Connect grant state
// machine of the provider.
//
// It parses and completes authorization requests, authenticates clients,
// and runs the token endpoint grants: authorization_code with PKCE,
// refresh_token with rotation and replay detection, client_credentials
// and the device authorization grant. Introspection, revocation, userinfo
// and a background sweeper complete the set.
//
// The package is transport-agnostic. The root package adapts it to HTTP,
// and protocol failures are returned as *Error values carrying the OAuth
// error code.
//
// Key Features:
//   - Exactly-once authorization code redemption
//   - PKCE (plain and S256) with downgrade protection
//   - Refresh token rotation with replay detection
//   - Client authentication via secret, bcrypt hash or jwt-bearer assertion
//   - Application access policies (CEL)
//   - Security auditing of every grant decision
//
// Example usage:
//
//	store := memory.New()
//
//	srv, err := server.New(server.Config{
//	    Issuer:    "https://id.example.com",
//	    Providers: store,
//	    Grants:    store,
//	    Users:     store,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
