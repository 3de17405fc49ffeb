package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/internal/config"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/signing"
	"github.com/giantswarm/oidc-provider/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	original := appVersion
	t.Cleanup(func() { appVersion = original })
	SetVersion("1.2.3-test")

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "oidc-provider version 1.2.3-test\n", out)

	out, err = execute(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "oidc-provider version 1.2.3-test\n", out)
}

func TestKeysGenerateAndList(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "keys", "generate", "--dir", dir, "--name", "main", "--alg", "ES256")
	require.NoError(t, err)
	assert.Contains(t, out, `ES256 key "main"`)

	_, err = execute(t, "keys", "generate", "--dir", dir, "--name", "legacy", "--alg", "RS256")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "main.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = execute(t, "keys", "generate", "--dir", dir, "--name", "main")
	assert.ErrorContains(t, err, "already exists")
	_, err = execute(t, "keys", "generate", "--dir", dir, "--name", "main", "--force")
	assert.NoError(t, err)

	_, err = execute(t, "keys", "generate", "--dir", dir, "--name", "bad", "--alg", "HS256")
	assert.Error(t, err)
	_, err = execute(t, "keys", "generate", "--dir", dir)
	assert.ErrorContains(t, err, "--name")

	out, err = execute(t, "keys", "list", "--dir", dir)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.True(t, strings.HasPrefix(lines[1], "legacy"))
	assert.Contains(t, lines[1], "RS256")
	assert.True(t, strings.HasPrefix(lines[2], "main"))
	assert.Contains(t, lines[2], "ES256")
}

func TestKeysEncryptionKey(t *testing.T) {
	out, err := execute(t, "keys", "encryption-key")
	require.NoError(t, err)

	key, err := security.KeyFromBase64(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("issuer: https://id.example.com\n"), 0o600))

	_, err := execute(t, "migrate", "--config", path, "--env-file", filepath.Join(dir, "missing.env"))
	assert.ErrorContains(t, err, "postgres")
}

func TestNewApp_Memory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dir := t.TempDir()
	priv, err := signing.GenerateKey(storage.AlgES256)
	require.NoError(t, err)
	pemData, err := signing.EncodePEM(priv)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.pem"), pemData, 0o600))

	providersPath := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(providersPath, []byte(`
providers:
  - name: Grafana
    client_id: grafana
    client_type: public
    signing_algorithm: ES256
    signing_key: main
    redirect_uris:
      - url: https://grafana.example.com/callback
    application:
      slug: grafana
      name: Grafana
`), 0o600))

	cfg := config.Default()
	cfg.Issuer = "https://id.example.com"
	cfg.KeysDir = dir
	cfg.ProvidersFile = providersPath
	cfg.Metrics.Enabled = true
	require.NoError(t, cfg.Validate())

	a, err := newApp(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/application/o/grafana/.well-known/openid-configuration")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var discovery map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&discovery))
	assert.Equal(t, "https://id.example.com/application/o/grafana/", discovery["issuer"])

	resp, err = http.Get(srv.URL + "/application/o/grafana/jwks/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jwks))
	assert.Len(t, jwks.Keys, 1)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewApp_InvalidEncryptionKey(t *testing.T) {
	cfg := config.Default()
	cfg.Issuer = "https://id.example.com"
	cfg.EncryptionKey = "not base64!"

	_, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "encryption key")
}
