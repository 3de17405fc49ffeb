// Package instrumentation wires OpenTelemetry metrics and tracing for the
// provider.
//
// Metrics are exported through the OpenTelemetry Prometheus exporter into a
// private registry; mount MetricsHandler on /metrics:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName: "oidc-provider",
//		Enabled:     true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//	router.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// HTTP:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Grants:
//   - oauth.authorization.started{client_id, grant_type}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.issued{client_id, grant_type}
//   - oauth.token.refreshed{client_id}
//   - oauth.token.revoked{client_id, token_type}
//   - oauth.token.introspected{client_id, active}
//   - oauth.device.authorized{client_id}, oauth.device.approved{client_id}
//
// Logout:
//   - oauth.logout.deliveries{client_id, result}
//   - oauth.session.ended{initiator}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.refresh.replay_detected{client_id}
//   - oauth.client.auth_failed{method}
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - oauth.storage.operations.total{backend, operation, result}
//   - oauth.storage.operation.duration{backend, operation}
//   - oauth.storage.{codes,access_tokens,refresh_tokens,device_tokens,providers} gauges
//
// With Enabled false every provider is a no-op and nothing is exported.
package instrumentation
