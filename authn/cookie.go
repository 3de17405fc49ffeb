package authn

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/giantswarm/oidc-provider/security"
)

// CookieCodec stores a JSON value in an AES-GCM sealed cookie. The cookie
// name is bound into the ciphertext, so a value cannot be replayed under a
// different cookie.
type CookieCodec struct {
	Name   string
	Path   string
	MaxAge time.Duration
	Secure bool

	enc *security.Encryptor
}

// NewCookieCodec requires an enabled encryptor.
func NewCookieCodec(name string, enc *security.Encryptor, maxAge time.Duration, secure bool) (*CookieCodec, error) {
	if !enc.IsEnabled() {
		return nil, errors.New("cookie encryption key is required")
	}
	return &CookieCodec{Name: name, Path: "/", MaxAge: maxAge, Secure: secure, enc: enc}, nil
}

// Write seals v into the cookie.
func (c *CookieCodec) Write(w http.ResponseWriter, v any) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := c.enc.EncryptBytes(plain, []byte(c.Name))
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    base64.RawURLEncoding.EncodeToString(sealed),
		Path:     c.Path,
		MaxAge:   int(c.MaxAge / time.Second),
		Secure:   c.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Read opens the cookie of r into v.
func (c *CookieCodec) Read(r *http.Request, v any) error {
	cookie, err := r.Cookie(c.Name)
	if err != nil {
		return ErrNotAuthenticated
	}
	sealed, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return ErrNotAuthenticated
	}
	plain, err := c.enc.DecryptBytes(sealed, []byte(c.Name))
	if err != nil {
		return ErrNotAuthenticated
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return ErrNotAuthenticated
	}
	return nil
}

// Clear expires the cookie.
func (c *CookieCodec) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     c.Path,
		MaxAge:   -1,
		Secure:   c.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
