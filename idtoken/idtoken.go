// Package idtoken defines the OpenID Connect ID token claim set that is
// embedded in grant records and signed into id_token and access_token JWTs.
package idtoken

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"maps"
)

// IDToken is the claims view of an authentication event. Zero-valued fields
// are omitted when serialized.
type IDToken struct {
	Issuer    string   `json:"iss,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audience  string   `json:"aud,omitempty"`
	Expiry    int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	AuthTime  int64    `json:"auth_time,omitempty"`
	ACR       string   `json:"acr,omitempty"`
	AMR       []string `json:"amr,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
	AtHash    string   `json:"at_hash,omitempty"`
	CHash     string   `json:"c_hash,omitempty"`
	SessionID string   `json:"sid,omitempty"`

	// Claims holds scope-mapping output. Keys that collide with a protected
	// registered claim are ignored on serialization.
	Claims map[string]any `json:"-"`
}

// protected claims can never be overridden by mapping output.
var protected = map[string]struct{}{
	"iss": {}, "aud": {}, "exp": {}, "iat": {}, "auth_time": {},
	"nonce": {}, "at_hash": {}, "c_hash": {}, "sid": {},
}

type registered IDToken

// MarshalJSON flattens Claims next to the registered claims.
func (t IDToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Map())
}

// UnmarshalJSON splits registered claims from custom ones.
func (t *IDToken) UnmarshalJSON(data []byte) error {
	var r registered
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range []string{"iss", "sub", "aud", "exp", "iat", "auth_time", "acr", "amr", "nonce", "at_hash", "c_hash", "sid"} {
		delete(all, k)
	}
	*t = IDToken(r)
	if len(all) > 0 {
		t.Claims = all
	}
	return nil
}

// Map returns the flattened claim set.
func (t IDToken) Map() map[string]any {
	out := make(map[string]any, len(t.Claims)+12)
	for k, v := range t.Claims {
		if _, ok := protected[k]; ok {
			continue
		}
		out[k] = v
	}
	set := func(k string, v any, empty bool) {
		if !empty {
			out[k] = v
		}
	}
	set("iss", t.Issuer, t.Issuer == "")
	set("aud", t.Audience, t.Audience == "")
	set("exp", t.Expiry, t.Expiry == 0)
	set("iat", t.IssuedAt, t.IssuedAt == 0)
	set("auth_time", t.AuthTime, t.AuthTime == 0)
	set("nonce", t.Nonce, t.Nonce == "")
	set("at_hash", t.AtHash, t.AtHash == "")
	set("c_hash", t.CHash, t.CHash == "")
	set("sid", t.SessionID, t.SessionID == "")
	// sub, acr and amr may be supplied by a mapping when unset here.
	set("sub", t.Subject, t.Subject == "")
	set("acr", t.ACR, t.ACR == "")
	set("amr", t.AMR, len(t.AMR) == 0)
	return out
}

// Clone returns a deep-enough copy for re-issuing the token.
func (t *IDToken) Clone() *IDToken {
	if t == nil {
		return nil
	}
	c := *t
	c.AMR = append([]string(nil), t.AMR...)
	if t.Claims != nil {
		c.Claims = maps.Clone(t.Claims)
	}
	return &c
}

// Hash computes at_hash / c_hash: the base64url encoding (no padding) of the
// left-most half of the SHA-256 digest of value.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// HashSessionID derives the "sid" claim from an internal session identifier
// so the raw session key never leaves the provider.
func HashSessionID(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])
}
