package storage

import (
	"fmt"
	"regexp"
	"strings"
)

// IsHashedSecret reports whether secret is a bcrypt hash rather than a plaintext secret.
func IsHashedSecret(secret string) bool {
	return strings.HasPrefix(secret, "$2a$") || strings.HasPrefix(secret, "$2b$") || strings.HasPrefix(secret, "$2y$")
}

// CompileRedirectPattern compiles a regex redirect URI so that it only
// matches whole URIs.
func CompileRedirectPattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pattern + ")$")
}

// Validate checks the structural parts of a provider that do not depend on
// key material. Signing configuration is checked by signing.ValidateProvider.
func (p *Provider) Validate() error {
	if p.ClientID == "" {
		return fmt.Errorf("provider %q: client_id is required", p.Name)
	}
	if p.IsConfidential() && p.ClientSecret == "" {
		return fmt.Errorf("provider %q: confidential clients need a client secret", p.ClientID)
	}
	for _, u := range p.RedirectURIs {
		switch u.MatchingMode {
		case MatchingModeStrict, "":
		case MatchingModeRegex:
			if _, err := CompileRedirectPattern(u.URL); err != nil {
				return fmt.Errorf("provider %q: invalid redirect URI pattern %q: %w", p.ClientID, u.URL, err)
			}
		default:
			return fmt.Errorf("provider %q: unknown matching mode %q", p.ClientID, u.MatchingMode)
		}
	}
	switch p.LogoutMethod {
	case "", LogoutBackChannel, LogoutFrontChannel:
	default:
		return fmt.Errorf("provider %q: unknown logout method %q", p.ClientID, p.LogoutMethod)
	}
	if p.Application != nil && p.Application.Slug == "" {
		return fmt.Errorf("provider %q: application slug is required", p.ClientID)
	}
	return nil
}
