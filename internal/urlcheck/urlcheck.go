// Package urlcheck validates caller-supplied URLs before any outbound
// request is made, guarding against server-side request forgery.
package urlcheck

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Policy controls which destinations are acceptable. AllowPrivate is a global
// bypass intended only for tests and local development.
type Policy struct {
	AllowHTTP    bool
	AllowPrivate bool
}

// Check returns nil when the URL is safe to contact. Any parse or resolution
// failure counts as unsafe.
func (p Policy) Check(rawURL string) error {
	if p.AllowPrivate {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return fmt.Errorf("http scheme not allowed for %q", rawURL)
		}
	default:
		return fmt.Errorf("scheme %q not allowed", parsed.Scheme)
	}

	hostname := parsed.Hostname()
	if strings.TrimSpace(hostname) == "" {
		return fmt.Errorf("url %q has no hostname", rawURL)
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", hostname, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("no addresses for %q", hostname)
	}
	for _, ip := range ips {
		if reason := restrictedAddress(ip); reason != "" {
			return fmt.Errorf("%s address %s for %q", reason, ip, hostname)
		}
	}
	return nil
}

func restrictedAddress(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local"
	case ip.IsPrivate():
		return "private"
	case ip.IsUnspecified():
		return "unspecified"
	}
	return ""
}
