// Package origin gates browser websocket upgrades on the Origin header.
//
// Non-browser clients (the CLI) send no Origin and are always admitted;
// the header only exists to stop a hostile page from silently driving a
// user's relay session from another site.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Policy decides whether a request's Origin may use the signaling socket.
type Policy struct {
	allowAny bool
	allowed  map[string]struct{}
}

// NewPolicy builds a Policy from configured origin strings. An empty list
// admits every origin. Entries are normalized; "*" admits any origin and
// "null" admits sandboxed/opaque origins.
func NewPolicy(allowedOrigins []string) *Policy {
	p := &Policy{allowed: make(map[string]struct{})}
	if len(allowedOrigins) == 0 {
		p.allowAny = true
		return p
	}
	for _, raw := range allowedOrigins {
		if strings.TrimSpace(raw) == "*" {
			p.allowAny = true
			continue
		}
		if norm, ok := Normalize(raw); ok {
			p.allowed[norm] = struct{}{}
		}
	}
	return p
}

// Allow reports whether the request may be upgraded.
func (p *Policy) Allow(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	if p.allowAny {
		return true
	}
	norm, ok := Normalize(header)
	if !ok {
		return false
	}
	_, ok = p.allowed[norm]
	return ok
}

// Normalize validates an Origin value and folds it to a canonical
// scheme://host[:port] form, lowercased, with default ports dropped. The
// special value "null" normalizes to itself.
func Normalize(originValue string) (string, bool) {
	trimmed := strings.TrimSpace(originValue)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	// An origin is only a scheme and authority; anything more is not one.
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort := u.Port(); rawPort != "" {
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
	return scheme + "://" + host, true
}
