// Package authn defines how the provider learns who the user is. The
// authorization, device entry and end-session endpoints only see a Flow;
// authn/upstream implements one against an upstream OpenID provider.
package authn

import (
	"errors"
	"net/http"

	"github.com/giantswarm/oidc-provider/storage"
)

// ErrNotAuthenticated is returned by Flow.Authenticate when the request has
// no valid session.
var ErrNotAuthenticated = errors.New("not authenticated")

// Principal is an authenticated user together with how and where they
// logged in.
type Principal struct {
	User      *storage.User
	Login     *storage.LoginEvent
	SessionID string
}

// Flow authenticates end users.
type Flow interface {
	// Authenticate returns the principal of r or ErrNotAuthenticated.
	Authenticate(r *http.Request) (*Principal, error)
	// BeginLogin sends the user agent off to log in. After a successful
	// login the user agent is sent back to returnTo, a local path.
	BeginLogin(w http.ResponseWriter, r *http.Request, returnTo string)
	// EndSession terminates the session of r and returns its ID, or "" when
	// there was none.
	EndSession(w http.ResponseWriter, r *http.Request) (string, error)
}

// SafeReturnTo reports whether returnTo is a local absolute path that can
// be redirected to without creating an open redirect.
func SafeReturnTo(returnTo string) bool {
	if returnTo == "" || returnTo[0] != '/' {
		return false
	}
	if len(returnTo) > 1 && (returnTo[1] == '/' || returnTo[1] == '\\') {
		return false
	}
	return true
}
