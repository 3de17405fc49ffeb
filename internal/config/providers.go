package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oidc-provider/server"
	"github.com/giantswarm/oidc-provider/signing"
	"github.com/giantswarm/oidc-provider/storage"
)

// DefaultDebounceInterval is how long the watcher waits after the last file
// event before it reloads.
const DefaultDebounceInterval = 500 * time.Millisecond

// ProvidersFile is the on-disk provider registry.
type ProvidersFile struct {
	Providers []*storage.Provider `yaml:"providers"`
}

// LoadProviders reads the registry at path, applies defaults and validates
// every provider against keys and the registered-URI checks. Client IDs and
// application slugs must be unique within the file.
func LoadProviders(path string, keys *signing.Keyring, allowInsecureHTTP bool) ([]*storage.Provider, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied registry path
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file %s: %w", path, err)
	}
	var f ProvidersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error loading providers from %s: %w", path, err)
	}

	ids := make(map[string]struct{}, len(f.Providers))
	slugs := make(map[string]string, len(f.Providers))
	for i, p := range f.Providers {
		if p == nil {
			return nil, fmt.Errorf("providers[%d] is empty", i)
		}
		p.ApplyDefaults()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if err := signing.ValidateProvider(p, keys); err != nil {
			return nil, err
		}
		if err := server.ValidateProviderURIs(p, allowInsecureHTTP); err != nil {
			return nil, err
		}
		if _, dup := ids[p.ClientID]; dup {
			return nil, fmt.Errorf("provider %q is declared twice", p.ClientID)
		}
		ids[p.ClientID] = struct{}{}
		if p.Application != nil {
			if other, dup := slugs[p.Application.Slug]; dup {
				return nil, fmt.Errorf("application slug %q is used by %q and %q", p.Application.Slug, other, p.ClientID)
			}
			slugs[p.Application.Slug] = p.ClientID
		}
	}
	return f.Providers, nil
}

// SyncResult counts the changes one sync made.
type SyncResult struct {
	Saved     int
	Deleted   int
	Unchanged int
}

// ProviderSync mirrors a providers file into a store. It only deletes
// providers it saved itself, so records managed by other means survive.
type ProviderSync struct {
	path          string
	store         storage.ProviderStore
	keys          *signing.Keyring
	allowInsecure bool
	logger        *slog.Logger

	mu      sync.Mutex
	managed map[string]struct{}
}

// NewProviderSync creates a sync for the registry file at path.
// allowInsecureHTTP permits plain-http URIs on non-loopback hosts.
func NewProviderSync(path string, store storage.ProviderStore, keys *signing.Keyring, allowInsecureHTTP bool, logger *slog.Logger) *ProviderSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderSync{
		path:          path,
		store:         store,
		keys:          keys,
		allowInsecure: allowInsecureHTTP,
		logger:        logger,
		managed:       make(map[string]struct{}),
	}
}

// Sync loads the file and applies it to the store. A file that fails to
// load leaves the store untouched.
func (s *ProviderSync) Sync(ctx context.Context) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SyncResult
	providers, err := LoadProviders(s.path, s.keys, s.allowInsecure)
	if err != nil {
		return res, err
	}

	seen := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		seen[p.ClientID] = struct{}{}
		current, err := s.store.GetProvider(ctx, p.ClientID)
		switch {
		case err == nil && reflect.DeepEqual(current, p):
			res.Unchanged++
			continue
		case err != nil && !errors.Is(err, storage.ErrProviderNotFound):
			return res, fmt.Errorf("failed to load provider %q: %w", p.ClientID, err)
		}
		if err := s.store.SaveProvider(ctx, p); err != nil {
			return res, fmt.Errorf("failed to save provider %q: %w", p.ClientID, err)
		}
		res.Saved++
	}

	stale := make([]string, 0)
	for id := range s.managed {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	for _, id := range stale {
		if err := s.store.DeleteProvider(ctx, id); err != nil {
			return res, fmt.Errorf("failed to delete provider %q: %w", id, err)
		}
		res.Deleted++
	}
	s.managed = seen

	s.logger.Info("Synchronised providers",
		"path", s.path,
		"saved", res.Saved,
		"deleted", res.Deleted,
		"unchanged", res.Unchanged)
	return res, nil
}

// Watch re-syncs whenever the file changes until ctx is cancelled. The
// parent directory is watched so editors that replace the file by rename
// are noticed. Reload errors are logged and the previous state is kept.
func (s *ProviderSync) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounceInterval
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	s.logger.Info("Watching providers file for changes", "path", s.path)

	target := filepath.Clean(s.path)
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("Providers file changed", "op", event.Op.String())
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("File watcher error", "error", err)

		case <-timer.C:
			if _, err := s.Sync(ctx); err != nil {
				s.logger.Error("Failed to reload providers, keeping previous registry",
					"path", s.path,
					"error", err)
			}
		}
	}
}
