package server

import (
	"context"
	"time"
)

// Sweeper periodically deletes expired grants and revoked refresh tokens
// older than the retention window.
type Sweeper struct {
	s        *Server
	interval time.Duration
}

// Sweeper returns a sweeper using the server's configured interval.
func (s *Server) Sweeper() *Sweeper {
	return &Sweeper{s: s, interval: s.Config.SweepInterval}
}

// Run sweeps on every tick until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.s.Logger.Warn("Grant sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs a single pass and returns how many records were removed.
func (w *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := w.s.now()
	res, err := w.s.grants.DeleteExpired(ctx, now, now.Add(-w.s.Config.RevokedRetention))
	if err != nil {
		return 0, err
	}
	if n := res.Total(); n > 0 {
		w.s.Logger.Debug("Swept expired grants",
			"codes", res.Codes,
			"access_tokens", res.AccessTokens,
			"refresh_tokens", res.RefreshTokens,
			"device_tokens", res.DeviceTokens)
	}
	return res.Total(), nil
}
