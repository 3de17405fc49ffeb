package security

import (
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
)

// SetSecurityHeaders sets the baseline headers for every provider response.
// HSTS is only sent when the issuer is served over https.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; form-action *; frame-ancestors 'none'")
	if strings.HasPrefix(strings.ToLower(issuer), "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// SetNoStore marks a response as carrying credentials (RFC 6749 §5.1).
func SetNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// AllowFrames relaxes the frame policy for the front-channel logout page,
// which embeds relying-party iframes.
func AllowFrames(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-src *; frame-ancestors 'none'")
}

// AllowInlineScript permits exactly one static inline script by hash, for
// the form_post auto-submit page.
func AllowInlineScript(w http.ResponseWriter, script string) {
	sum := sha256.Sum256([]byte(script))
	hash := base64.StdEncoding.EncodeToString(sum[:])
	w.Header().Set("Content-Security-Policy",
		"default-src 'none'; style-src 'unsafe-inline'; script-src 'sha256-"+hash+"'; form-action *; frame-ancestors 'none'")
}
