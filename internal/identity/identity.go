// Package identity resolves the public client address used as the rate-limiting key.
package identity

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Metadata is the slice of inbound request data the resolver looks at.
type Metadata struct {
	RemoteAddr    string
	XForwardedFor string
	XRealIP       string
	XClientIP     string
}

// FromRequest copies the relevant fields out of an HTTP request.
func FromRequest(r *http.Request) Metadata {
	return Metadata{
		RemoteAddr:    r.RemoteAddr,
		XForwardedFor: r.Header.Get("X-Forwarded-For"),
		XRealIP:       r.Header.Get("X-Real-IP"),
		XClientIP:     r.Header.Get("X-Client-IP"),
	}
}

var rejectedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// Resolve returns the first candidate address that is a valid public IP, in
// the order socket address, X-Forwarded-For, X-Real-IP, X-Client-IP.
//
// ok is false when nothing validates; callers must then skip admission control
// for the request.
func Resolve(md Metadata) (id string, ok bool) {
	for _, candidate := range candidates(md) {
		if addr, valid := Validate(candidate); valid {
			return addr, true
		}
	}
	return "", false
}

// Validate parses s as an IPv4 or IPv6 address and reports whether it is a
// public address. The canonical string form is returned on success, with
// IPv4-mapped IPv6 addresses unmapped.
func Validate(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	addr = addr.Unmap().WithZone("")
	if !addr.IsValid() || addr.IsUnspecified() {
		return "", false
	}
	for _, p := range rejectedPrefixes {
		if p.Contains(addr) {
			return "", false
		}
	}
	return addr.String(), true
}

func candidates(md Metadata) []string {
	var out []string

	if host := hostOnly(md.RemoteAddr); host != "" {
		out = append(out, host)
	}
	// The leftmost entry is the originating client.
	if xff := strings.TrimSpace(md.XForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		out = append(out, strings.TrimSpace(first))
	}
	if v := strings.TrimSpace(md.XRealIP); v != "" {
		out = append(out, v)
	}
	if v := strings.TrimSpace(md.XClientIP); v != "" {
		out = append(out, v)
	}
	return out
}

func hostOnly(remote string) string {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
