// Package security holds the provider's security plumbing: audit logging,
// rate limiting, client IP resolution, response headers, request IDs and
// encryption at rest.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (usually the client IP)
// and evicts the least recently used buckets once MaxEntries is reached, so a
// spray of one-off addresses cannot grow memory without bound. Limits are
// expressed as rate.Limit, which allows sub-second rates such as the device
// authorization endpoint's 20 requests per hour:
//
//	limiter := security.NewRateLimiter(security.PerHour(20), 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // 429
//	}
//
// # Encryption at rest
//
// Encryptor seals short secrets (client secrets in the SQL registry, the
// upstream login session cookie) with AES-256-GCM. A disabled Encryptor passes
// values through unchanged.
package security
