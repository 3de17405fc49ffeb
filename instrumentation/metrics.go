package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every metric instrument the provider records.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant flows
	AuthorizationStarted metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenIssued          metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	TokenIntrospected    metric.Int64Counter
	DeviceAuthorized     metric.Int64Counter
	DeviceApproved       metric.Int64Counter

	// Logout
	LogoutDeliveries metric.Int64Counter
	SessionsEnded    metric.Int64Counter

	// Security
	RateLimitExceeded     metric.Int64Counter
	PKCEValidationFailed  metric.Int64Counter
	CodeReuseDetected     metric.Int64Counter
	RefreshReplayDetected metric.Int64Counter
	ClientAuthFailed      metric.Int64Counter
	AuditEventsTotal      metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageCodes             metric.Int64ObservableGauge
	StorageAccessTokens      metric.Int64ObservableGauge
	StorageRefreshTokens     metric.Int64ObservableGauge
	StorageDeviceTokens      metric.Int64ObservableGauge
	StorageProviders         metric.Int64ObservableGauge

	// Encryption
	EncryptionOperationsTotal metric.Int64Counter
}

// instrumentBuilder collects the first error so newMetrics reads as a list.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogram(name, desc, unit string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

func (b *instrumentBuilder) gauge(name, desc, unit string) metric.Int64ObservableGauge {
	g, err := b.meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return g
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpB := &instrumentBuilder{meter: inst.Meter("http")}
	m.HTTPRequestsTotal = httpB.counter("oauth.http.requests.total", "Total number of HTTP requests", "{request}")
	m.HTTPRequestDuration = httpB.histogram("oauth.http.request.duration", "HTTP request duration in milliseconds", "ms")

	srv := &instrumentBuilder{meter: inst.Meter("server")}
	m.AuthorizationStarted = srv.counter("oauth.authorization.started", "Authorization requests accepted", "{request}")
	m.CodeExchanged = srv.counter("oauth.code.exchanged", "Authorization codes exchanged for tokens", "{exchange}")
	m.TokenIssued = srv.counter("oauth.token.issued", "Access tokens issued per grant type", "{token}")
	m.TokenRefreshed = srv.counter("oauth.token.refreshed", "Refresh token rotations", "{refresh}")
	m.TokenRevoked = srv.counter("oauth.token.revoked", "Tokens revoked", "{revocation}")
	m.TokenIntrospected = srv.counter("oauth.token.introspected", "Introspection requests by result", "{request}")
	m.DeviceAuthorized = srv.counter("oauth.device.authorized", "Device authorization requests", "{request}")
	m.DeviceApproved = srv.counter("oauth.device.approved", "Device codes approved by a user", "{approval}")
	m.LogoutDeliveries = srv.counter("oauth.logout.deliveries", "Back-channel logout deliveries by result", "{delivery}")
	m.SessionsEnded = srv.counter("oauth.session.ended", "Sessions terminated", "{session}")

	sec := &instrumentBuilder{meter: inst.Meter("security")}
	m.RateLimitExceeded = sec.counter("oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}")
	m.PKCEValidationFailed = sec.counter("oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}")
	m.CodeReuseDetected = sec.counter("oauth.code.reuse_detected", "Authorization codes presented after redemption", "{event}")
	m.RefreshReplayDetected = sec.counter("oauth.refresh.replay_detected", "Revoked refresh tokens presented again", "{event}")
	m.ClientAuthFailed = sec.counter("oauth.client.auth_failed", "Client authentication failures", "{failure}")
	m.AuditEventsTotal = sec.counter("oauth.audit.events.total", "Security audit events emitted", "{event}")
	m.EncryptionOperationsTotal = sec.counter("oauth.encryption.operations.total", "Encryption and decryption operations", "{operation}")

	st := &instrumentBuilder{meter: inst.Meter("storage")}
	m.StorageOperationTotal = st.counter("oauth.storage.operations.total", "Storage operations by result", "{operation}")
	m.StorageOperationDuration = st.histogram("oauth.storage.operation.duration", "Storage operation duration in milliseconds", "ms")
	m.StorageCodes = st.gauge("oauth.storage.codes", "Live authorization codes", "{code}")
	m.StorageAccessTokens = st.gauge("oauth.storage.access_tokens", "Stored access tokens", "{token}")
	m.StorageRefreshTokens = st.gauge("oauth.storage.refresh_tokens", "Stored refresh tokens including revoked ones", "{token}")
	m.StorageDeviceTokens = st.gauge("oauth.storage.device_tokens", "Pending device authorizations", "{token}")
	m.StorageProviders = st.gauge("oauth.storage.providers", "Registered providers", "{provider}")

	for _, b := range []*instrumentBuilder{httpB, srv, sec, st} {
		if b.err != nil {
			return nil, b.err
		}
	}
	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordAuthorizationStarted records an accepted authorization request.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID, grantType string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenIssued records an access token minted by grantType.
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType string) {
	m.TokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenRefresh records a refresh token rotation.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID, tokenType string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("token_type", tokenType),
	))
}

// RecordIntrospection records an introspection request and whether the token was active.
func (m *Metrics) RecordIntrospection(ctx context.Context, clientID string, active bool) {
	m.TokenIntrospected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("active", active),
	))
}

// RecordDeviceAuthorization records an issued device code.
func (m *Metrics) RecordDeviceAuthorization(ctx context.Context, clientID string) {
	m.DeviceAuthorized.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordDeviceApproval records a user approving a device code.
func (m *Metrics) RecordDeviceApproval(ctx context.Context, clientID string) {
	m.DeviceApproved.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordLogoutDelivery records one back-channel delivery attempt outcome.
func (m *Metrics) RecordLogoutDelivery(ctx context.Context, clientID, result string) {
	m.LogoutDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
}

// RecordSessionEnded records a terminated session and what initiated it.
func (m *Metrics) RecordSessionEnded(ctx context.Context, initiator string) {
	m.SessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("initiator", initiator)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordRefreshReplayDetected records a revoked refresh token being presented.
func (m *Metrics) RecordRefreshReplayDetected(ctx context.Context, clientID string) {
	m.RefreshReplayDetected.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordClientAuthFailed records a failed client authentication by method.
func (m *Metrics) RecordClientAuthFailed(ctx context.Context, method string) {
	m.ClientAuthFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEncryptionOperation records an encryption or decryption.
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
