package signing

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef-secret"

func newKeyring(t *testing.T) *Keyring {
	t.Helper()
	kr := NewKeyring()
	rsaKey, err := GenerateKey(storage.AlgRS256)
	require.NoError(t, err)
	_, err = kr.Add("rsa", rsaKey)
	require.NoError(t, err)
	ecKey, err := GenerateKey(storage.AlgES256)
	require.NoError(t, err)
	_, err = kr.Add("ec", ecKey)
	require.NoError(t, err)
	return kr
}

func TestKeyring_PEMRoundTrip(t *testing.T) {
	dir := t.TempDir()
	priv, err := GenerateKey(storage.AlgES256)
	require.NoError(t, err)
	data, err := EncodePEM(priv)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.pem"), data, 0o600))

	kr := NewKeyring()
	require.NoError(t, kr.LoadDir(dir))
	assert.Equal(t, []string{"main"}, kr.Names())

	key, err := kr.Get("main")
	require.NoError(t, err)
	assert.Equal(t, storage.AlgES256, key.Algorithm)
	assert.NotEmpty(t, key.ID)

	_, err = kr.Get("other")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestParsePEM_Rejects(t *testing.T) {
	_, err := ParsePEM([]byte("not pem"))
	assert.Error(t, err)
	_, err = ParsePEM([]byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"))
	assert.Error(t, err)
}

func TestSigner_SignVerify(t *testing.T) {
	kr := newKeyring(t)
	s := NewSigner(kr)

	providers := map[string]*storage.Provider{
		"HS256": {ClientID: "c", ClientSecret: testSecret, SigningAlgorithm: storage.AlgHS256},
		"RS256": {ClientID: "c", SigningAlgorithm: storage.AlgRS256, SigningKey: "rsa"},
		"ES256": {ClientID: "c", SigningAlgorithm: storage.AlgES256, SigningKey: "ec"},
	}
	for name, p := range providers {
		t.Run(name, func(t *testing.T) {
			raw, err := s.Sign(p, map[string]any{"sub": "alice", "exp": time.Now().Add(time.Minute).Unix()})
			require.NoError(t, err)

			claims, err := s.Verify(p, raw)
			require.NoError(t, err)
			assert.Equal(t, "alice", claims["sub"])

			// Header carries the algorithm and, for asymmetric keys, the kid.
			header := decodeHeader(t, raw)
			assert.Equal(t, name, header["alg"])
			if p.SigningAlgorithm.IsAsymmetric() {
				key, _ := kr.Get(p.SigningKey)
				assert.Equal(t, key.ID, header["kid"])
			}
		})
	}
}

func TestSigner_VerifyRejects(t *testing.T) {
	s := NewSigner(newKeyring(t))
	p := &storage.Provider{ClientSecret: testSecret, SigningAlgorithm: storage.AlgHS256}

	expired, err := s.Sign(p, map[string]any{"exp": time.Now().Add(-time.Minute).Unix()})
	require.NoError(t, err)
	_, err = s.Verify(p, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := &storage.Provider{ClientSecret: strings.Repeat("x", 40), SigningAlgorithm: storage.AlgHS256}
	valid, err := s.Sign(other, map[string]any{"sub": "x"})
	require.NoError(t, err)
	_, err = s.Verify(p, valid)
	assert.ErrorIs(t, err, ErrInvalidToken)

	rs := &storage.Provider{SigningAlgorithm: storage.AlgRS256, SigningKey: "rsa"}
	_, err = s.Verify(rs, valid)
	assert.ErrorIs(t, err, ErrInvalidToken, "HS256 token must not verify under an RS256 provider")
}

func TestSigner_LogoutType(t *testing.T) {
	s := NewSigner(newKeyring(t))
	p := &storage.Provider{SigningAlgorithm: storage.AlgRS256, SigningKey: "rsa"}
	raw, err := s.SignWithType(p, map[string]any{"sid": "x"}, TypeLogoutJWT)
	require.NoError(t, err)
	assert.Equal(t, TypeLogoutJWT, decodeHeader(t, raw)["typ"])
}

func TestSigner_HashedSecretCannotSign(t *testing.T) {
	s := NewSigner(nil)
	p := &storage.Provider{ClientSecret: "$2a$10$abcdefghijklmnopqrstuv", SigningAlgorithm: storage.AlgHS256}
	_, err := s.Sign(p, map[string]any{})
	assert.ErrorIs(t, err, ErrHashedSecret)
}

func TestSigner_JWKS(t *testing.T) {
	s := NewSigner(newKeyring(t))

	set, err := s.JWKS(&storage.Provider{SigningAlgorithm: storage.AlgHS256})
	require.NoError(t, err)
	assert.Empty(t, set.Keys)

	set, err = s.JWKS(&storage.Provider{SigningAlgorithm: storage.AlgRS256, SigningKey: "rsa"})
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	assert.True(t, set.Keys[0].IsPublic())
	assert.Equal(t, "RS256", set.Keys[0].Algorithm)
	assert.Equal(t, "sig", set.Keys[0].Use)
}

func TestValidateProvider(t *testing.T) {
	kr := newKeyring(t)
	tests := []struct {
		name    string
		p       storage.Provider
		wantErr string
	}{
		{name: "hs256 ok", p: storage.Provider{ClientID: "a", ClientSecret: testSecret, SigningAlgorithm: storage.AlgHS256}},
		{name: "hs256 short secret", p: storage.Provider{ClientID: "a", ClientSecret: "short", SigningAlgorithm: storage.AlgHS256}, wantErr: "at least"},
		{name: "hs256 hashed secret", p: storage.Provider{ClientID: "a", ClientSecret: "$2b$10$xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx", SigningAlgorithm: storage.AlgHS256}, wantErr: "plaintext"},
		{name: "hs256 public client", p: storage.Provider{ClientID: "a", ClientType: storage.ClientTypePublic, SigningAlgorithm: storage.AlgHS256}, wantErr: "public clients"},
		{name: "rs256 ok", p: storage.Provider{ClientID: "a", SigningAlgorithm: storage.AlgRS256, SigningKey: "rsa"}},
		{name: "rs256 without key", p: storage.Provider{ClientID: "a", SigningAlgorithm: storage.AlgRS256}, wantErr: "requires a signing key"},
		{name: "rs256 unknown key", p: storage.Provider{ClientID: "a", SigningAlgorithm: storage.AlgRS256, SigningKey: "nope"}, wantErr: "not found"},
		{name: "es256 with rsa key", p: storage.Provider{ClientID: "a", SigningAlgorithm: storage.AlgES256, SigningKey: "rsa"}, wantErr: "RS256"},
		{name: "unknown alg", p: storage.Provider{ClientID: "a", SigningAlgorithm: "PS512"}, wantErr: "unsupported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProvider(&tt.p, kr)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRemoteKeySet_Keyfunc(t *testing.T) {
	priv, err := GenerateKey(storage.AlgRS256)
	require.NoError(t, err)
	rsaKey := priv.(*rsa.PrivateKey)

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &rsaKey.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remote, err := NewRemoteKeySet(ctx, srv.Client())
	require.NoError(t, err)

	sign := func(kid string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "svc", "exp": time.Now().Add(time.Minute).Unix()})
		if kid != "" {
			tok.Header["kid"] = kid
		}
		raw, err := tok.SignedString(rsaKey)
		require.NoError(t, err)
		return raw
	}

	for _, kid := range []string{"k1", ""} {
		parsed, err := jwt.Parse(sign(kid), remote.Keyfunc(ctx, srv.URL))
		require.NoError(t, err, "kid=%q", kid)
		assert.True(t, parsed.Valid)
	}

	_, err = jwt.Parse(sign("unknown"), remote.Keyfunc(ctx, srv.URL))
	assert.Error(t, err)
}

func decodeHeader(t *testing.T, raw string) map[string]any {
	t.Helper()
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	require.NoError(t, err)
	return tok.Header
}
