package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver extracts the caller's address from a request. Forwarding
// headers are only honoured when TrustProxy is set; TrustedProxyCount is the
// number of proxies we operate, counted from the right of X-Forwarded-For.
type ClientIPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// ClientIP returns the resolved client address.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if ip := fromForwardedFor(r.Header.Get("X-Forwarded-For"), c.TrustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GetClientIP is ClientIPResolver{trustProxy, trustedProxyCount}.ClientIP(r).
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	return ClientIPResolver{TrustProxy: trustProxy, TrustedProxyCount: trustedProxyCount}.ClientIP(r)
}

// fromForwardedFor picks the entry just left of our trusted proxies.
// With trusted == 0 one proxy is assumed.
func fromForwardedFor(xff string, trusted int) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")
	if trusted <= 0 {
		trusted = 1
	}
	idx := len(hops) - trusted - 1
	if idx < 0 {
		idx = 0
	}
	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
