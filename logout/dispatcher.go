package logout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/security"
)

// Dispatcher defaults.
const (
	DefaultDeliveryTimeout = 10 * time.Second
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = time.Minute
)

// DispatcherConfig configures back-channel delivery.
type DispatcherConfig struct {
	HTTPClient      *http.Client
	Timeout         time.Duration // per attempt, default 10s
	MaxAttempts     uint          // default 5
	InitialInterval time.Duration // default 1s
	MaxInterval     time.Duration // default 1m

	// AllowInternal permits logout URIs pointing at private or loopback addresses.
	AllowInternal bool

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

// Dispatcher POSTs logout tokens to relying parties, retrying with
// exponential backoff.
type Dispatcher struct {
	cfg DispatcherConfig
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDeliveryTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg}
}

// Run consumes q until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, q Queue) error {
	return q.Consume(ctx, d.Deliver)
}

// Deliver sends job, retrying transient failures. 4xx responses other than
// 429 are not retried. The outcome is audited.
func (d *Dispatcher) Deliver(ctx context.Context, job Job) error {
	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		return struct{}{}, d.post(ctx, job)
	}

	var err error
	if err = util.CheckOutboundURL(job.LogoutURI, d.cfg.AllowInternal); err == nil {
		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = d.cfg.InitialInterval
		expBackoff.MaxInterval = d.cfg.MaxInterval
		expBackoff.Reset()

		_, err = backoff.Retry(ctx, operation,
			backoff.WithBackOff(expBackoff),
			backoff.WithMaxTries(d.cfg.MaxAttempts),
			backoff.WithNotify(func(err error, next time.Duration) {
				d.cfg.Logger.Debug("Retrying back-channel logout",
					"client_id", job.ClientID, "error", err, "retry_in", next)
			}),
		)
	}

	result := "delivered"
	if err != nil {
		result = "failed"
		d.cfg.Logger.Warn("Back-channel logout delivery failed",
			"client_id", job.ClientID, "logout_uri", job.LogoutURI, "attempts", attempts, "error", err)
	}
	d.cfg.Auditor.LogLogoutDelivery(job.ClientID, job.LogoutURI, attempts, err)
	if d.cfg.Instrumentation != nil {
		d.cfg.Instrumentation.Metrics().RecordLogoutDelivery(ctx, job.ClientID, result)
	}
	return err
}

func (d *Dispatcher) post(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	body := url.Values{"logout_token": {job.Token}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.LogoutURI, strings.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("logout endpoint returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("logout endpoint returned %d", resp.StatusCode))
	}
}
