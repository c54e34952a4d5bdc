// Package origin implements the browser Origin check for the signaling
// endpoint.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Policy decides whether a browser Origin may open a signaling channel.
//
// With a non-empty allowlist, each entry must be "*" or a normalized origin
// (scheme://host[:port], default ports elided). With an empty allowlist the
// policy is same-host only: the origin's host[:port] must match the request's
// Host header, treating default ports as equivalent.
type Policy struct {
	allowed []string
}

func NewPolicy(allowedOrigins []string) *Policy {
	normalized := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			normalized = append(normalized, o)
			continue
		}
		if norm, _, ok := Normalize(o); ok {
			normalized = append(normalized, norm)
		} else {
			normalized = append(normalized, o)
		}
	}
	return &Policy{allowed: normalized}
}

// Check reports whether the given Origin header may access the request host.
// An absent Origin header is allowed: non-browser clients do not send one.
func (p *Policy) Check(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}

	norm, originHost, ok := Normalize(originHeader)
	if !ok {
		return false
	}

	if len(p.allowed) > 0 {
		for _, allowed := range p.allowed {
			if allowed == "*" || allowed == norm {
				return true
			}
		}
		return false
	}

	// Same-host default. Scheme is not compared because the relay may sit
	// behind a TLS-terminating proxy and see HTTP while the browser sent an
	// HTTPS origin.
	scheme, _, found := strings.Cut(norm, "://")
	if !found {
		// "null" origins cannot match a host-based request.
		return false
	}
	reqHost, ok := normalizeHost(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// Normalize validates an Origin header value and returns the normalized
// origin (scheme://host[:port]) plus the host[:port] portion. The special
// value "null" is returned as-is with an empty host.
func Normalize(originHeader string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// normalizeHost lowercases a host[:port] authority, validates the port, and
// drops the port when it is the scheme's default.
func normalizeHost(rawHost, scheme string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(rawHost))
	if trimmed == "" {
		return "", false
	}

	hostname, rawPort, ok := splitAuthority(trimmed)
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitAuthority splits host[:port], unbracketing IPv6 literals. The port is
// returned unvalidated and empty when absent.
func splitAuthority(rawHost string) (hostname, port string, ok bool) {
	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		port, ok = strings.CutPrefix(rest, ":")
		if !ok || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ = strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid authority syntax.
		return "", "", false
	}
}
