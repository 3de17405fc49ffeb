package util

import (
	"fmt"
	"net"
	"net/url"
)

// IPClassification is the security class of an address, used to keep
// outbound calls (back-channel logout, remote JWKS) away from internal targets.
type IPClassification int

const (
	IPClassificationPublic IPClassification = iota
	IPClassificationLoopback
	IPClassificationPrivate
	IPClassificationLinkLocal
	IPClassificationUnspecified
)

func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the classification of ip. A nil ip is unspecified.
// Link-local covers 169.254.0.0/16, which includes cloud metadata services.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	default:
		return IPClassificationPublic
	}
}

// CheckOutboundURL validates a URL the server is about to call. Only http(s)
// is accepted. When allowInternal is false, literal IP hosts that are not
// public and "localhost" are refused. Hostnames are not resolved here.
func CheckOutboundURL(raw string, allowInternal bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if allowInternal {
		return nil
	}
	if host == "localhost" {
		return fmt.Errorf("host %q is internal", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if c := ClassifyIP(ip); c != IPClassificationPublic {
			return fmt.Errorf("host %q is %s", host, c)
		}
	}
	return nil
}
