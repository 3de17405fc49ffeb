package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/giantswarm/oidc-provider/storage"
)

// RedirectURISecurityError describes a registered URI that fails the
// registration checks. Category is stable and suitable for metrics.
type RedirectURISecurityError struct {
	Category string
	ClientID string
	URI      string
	Reason   string
}

func (e *RedirectURISecurityError) Error() string {
	return fmt.Sprintf("provider %q: %s %q rejected: %s", e.ClientID, e.Category, e.URI, e.Reason)
}

// Registration check categories.
const (
	URIErrorCategoryInvalidFormat   = "invalid_format"
	URIErrorCategoryBlockedScheme   = "blocked_scheme"
	URIErrorCategoryFragment        = "fragment_not_allowed"
	URIErrorCategoryHTTPNotAllowed  = "http_not_allowed"
	URIErrorCategoryUnspecifiedAddr = "unspecified_address"
	URIErrorCategoryLinkLocal       = "link_local"
)

// ValidateProviderURIs checks the strict redirect URIs and the logout URI
// of p before it is registered. Regex entries are only checked for
// compilation by Provider.Validate. Plain http is accepted for loopback
// hosts, and elsewhere only with allowInsecureHTTP. Link-local and
// unspecified addresses are always rejected; private ranges are allowed
// since applications commonly live on internal networks.
func ValidateProviderURIs(p *storage.Provider, allowInsecureHTTP bool) error {
	for _, u := range p.RedirectURIs {
		if u.MatchingMode == storage.MatchingModeRegex {
			continue
		}
		if err := validateRegisteredURI(p.ClientID, u.URL, allowInsecureHTTP, true); err != nil {
			return err
		}
	}
	if p.LogoutURI != "" {
		if err := validateRegisteredURI(p.ClientID, p.LogoutURI, allowInsecureHTTP, false); err != nil {
			return err
		}
	}
	return nil
}

func validateRegisteredURI(clientID, raw string, allowInsecureHTTP, allowCustomScheme bool) error {
	fail := func(category, reason string) error {
		return &RedirectURISecurityError{
			Category: category,
			ClientID: clientID,
			URI:      sanitizeURIForLogging(raw),
			Reason:   reason,
		}
	}

	if err := checkRedirectScheme(raw); err != nil {
		if errors.Is(err, errRedirectURIForbiddenScheme) {
			return fail(URIErrorCategoryBlockedScheme, err.Error())
		}
		return fail(URIErrorCategoryInvalidFormat, err.Error())
	}
	parsed, _ := url.Parse(raw)
	if parsed.Fragment != "" {
		return fail(URIErrorCategoryFragment, "URIs must not contain a fragment")
	}

	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "https":
	case "http":
		if !isLoopbackHost(parsed.Hostname()) && !allowInsecureHTTP {
			return fail(URIErrorCategoryHTTPNotAllowed, "https is required outside loopback hosts")
		}
	default:
		// Native apps register private-use schemes (RFC 8252 section 7.1).
		if !allowCustomScheme {
			return fail(URIErrorCategoryBlockedScheme, fmt.Sprintf("scheme %q cannot receive logout requests", scheme))
		}
		return nil
	}

	if parsed.Hostname() == "" {
		return fail(URIErrorCategoryInvalidFormat, "host is required")
	}
	if ip := net.ParseIP(parsed.Hostname()); ip != nil {
		if ip.IsUnspecified() {
			return fail(URIErrorCategoryUnspecifiedAddr, "0.0.0.0 and :: are not addressable")
		}
		// Cloud metadata services live here.
		if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return fail(URIErrorCategoryLinkLocal, "link-local addresses are not allowed")
		}
	}
	return nil
}

// sanitizeURIForLogging drops userinfo, query and fragment.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}

// RedirectURIErrorCategory returns the category of a RedirectURISecurityError
// anywhere in err's chain, or "".
func RedirectURIErrorCategory(err error) string {
	var secErr *RedirectURISecurityError
	if errors.As(err, &secErr) {
		return secErr.Category
	}
	return ""
}
