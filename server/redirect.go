package server

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/giantswarm/oidc-provider/storage"
)

// DangerousSchemes can never be used as a redirect target.
var DangerousSchemes = []string{"javascript", "data", "vbscript"}

var (
	errRedirectURIForbiddenScheme = fmt.Errorf("redirect_uri scheme is not allowed")
	errRedirectURINotRegistered   = fmt.Errorf("redirect_uri is not registered for this client")
)

// checkRedirectScheme rejects unparsable URIs and forbidden schemes.
func checkRedirectScheme(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return fmt.Errorf("redirect_uri must be absolute")
	}
	for _, d := range DangerousSchemes {
		if scheme == d {
			return errRedirectURIForbiddenScheme
		}
	}
	return nil
}

// redirectPatterns caches compiled regex redirect URIs by pattern. A nil
// entry records a pattern that does not compile.
var redirectPatterns sync.Map

func redirectPattern(pattern string) *regexp.Regexp {
	if v, ok := redirectPatterns.Load(pattern); ok {
		return v.(*regexp.Regexp)
	}
	re, err := storage.CompileRedirectPattern(pattern)
	if err != nil {
		re = nil
	}
	redirectPatterns.Store(pattern, re)
	return re
}

// matchRedirectURI reports whether raw equals (case-insensitively) a strict
// entry of registered or fully matches a regex entry.
func matchRedirectURI(registered []storage.RedirectURI, raw string) bool {
	for _, r := range registered {
		switch r.MatchingMode {
		case storage.MatchingModeRegex:
			if re := redirectPattern(r.URL); re != nil && re.MatchString(raw) {
				return true
			}
		default:
			if strings.EqualFold(r.URL, raw) {
				return true
			}
		}
	}
	return false
}

// ValidateAuthorizationRedirect checks raw against p's authorization URIs.
// bind is true when p has none and raw should be recorded as its first URI.
func ValidateAuthorizationRedirect(p *storage.Provider, raw string) (bind bool, err error) {
	if raw == "" {
		return false, fmt.Errorf("redirect_uri is required")
	}
	if err := checkRedirectScheme(raw); err != nil {
		return false, err
	}
	registered := p.AuthorizationRedirectURIs()
	if len(registered) == 0 {
		return true, nil
	}
	if !matchRedirectURI(registered, raw) {
		return false, errRedirectURINotRegistered
	}
	return false, nil
}

// ValidateLogoutRedirect checks a post_logout_redirect_uri against p's
// logout-purpose URIs.
func ValidateLogoutRedirect(p *storage.Provider, raw string) error {
	if err := checkRedirectScheme(raw); err != nil {
		return err
	}
	if !matchRedirectURI(p.LogoutRedirectURIs(), raw) {
		return errRedirectURINotRegistered
	}
	return nil
}
