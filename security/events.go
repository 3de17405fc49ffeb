package security

// Audit event types.
const (
	// Token lifecycle
	EventTokenIssued    = "token_issued"
	EventTokenRefreshed = "token_refreshed"
	EventTokenRevoked   = "token_revoked"
	EventSessionRevoked = "session_revoked"

	// Authorization
	EventAuthorizationCodeIssued        = "authorization_code_issued"
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"
	EventPolicyDenied                   = "policy_denied"
	EventInvalidRedirect                = "invalid_redirect"
	EventRedirectURIBound               = "redirect_uri_bound"

	// Refresh token presented after it was rotated or revoked.
	EventRefreshTokenReplay = "refresh_token_replay" //nolint:gosec // event name

	// Client authentication
	EventAuthFailure          = "auth_failure"
	EventClientAssertionValid = "client_assertion_accepted"
	EventPKCEValidationFailed = "pkce_validation_failed"
	EventScopeEscalation      = "scope_escalation_attempt"

	// Device flow
	EventDeviceCodeIssued   = "device_code_issued"
	EventDeviceCodeApproved = "device_code_approved"

	// Logout
	EventLogoutDelivered      = "backchannel_logout_delivered"
	EventLogoutDeliveryFailed = "backchannel_logout_failed"
	EventLogoutReceived       = "backchannel_logout_received"
	EventLogoutTokenRejected  = "backchannel_logout_token_rejected" //nolint:gosec // event name

	EventRateLimitExceeded = "rate_limit_exceeded"
)
