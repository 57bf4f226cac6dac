// Package origin normalises browser Origin headers and decides whether a
// request's origin may use the matchmaker.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Null is the opaque origin sent by sandboxed documents and file:// pages.
const Null = "null"

// Normalize validates a browser Origin header and returns it as
// scheme://host[:port] with the scheme and host lower-cased and the default
// port dropped. host is the host[:port] part used for same-host comparisons.
func Normalize(header string) (normalized, host string, ok bool) {
	raw := strings.TrimSpace(header)
	if raw == Null {
		return Null, "", true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lower-cases an authority, brackets IPv6 literals and drops
// the scheme's default port.
func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" || strings.ContainsAny(authority, "/?#@ ") {
		return "", false
	}
	// url.URL does the bracket handling for IPv6 literals.
	u := url.URL{Host: authority}
	hostname, port := u.Hostname(), u.Port()
	if hostname == "" {
		return "", false
	}
	if strings.HasSuffix(authority, ":") {
		return "", false
	}
	if strings.Contains(hostname, ":") && !strings.HasPrefix(authority, "[") {
		return "", false
	}
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return host, true
}

// Policy is an origin allow-list. An empty list means same-host only.
type Policy struct {
	allowAny bool
	allowed  map[string]struct{}
}

// NewPolicy builds a Policy from configured entries. Each entry must be "*",
// "null", or a full origin such as https://example.com.
func NewPolicy(entries []string) (*Policy, error) {
	p := &Policy{allowed: make(map[string]struct{})}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		switch entry {
		case "":
			continue
		case "*":
			p.allowAny = true
			continue
		}
		normalized, _, ok := Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		p.allowed[normalized] = struct{}{}
	}
	return p, nil
}

// Allows reports whether an already-normalized origin may access requestHost.
//
// With the default same-host policy the scheme is not compared: the server
// often sits behind a TLS-terminating proxy and sees plain HTTP.
func (p *Policy) Allows(normalized, originHost, requestHost string) bool {
	if p != nil && (p.allowAny || len(p.allowed) > 0) {
		if p.allowAny {
			return true
		}
		_, ok := p.allowed[normalized]
		return ok
	}

	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return false
	}
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && reqHost == originHost
}

// Check applies the policy to r. Requests without an Origin header (non
// browser clients) are allowed and return an empty origin.
func (p *Policy) Check(r *http.Request) (normalized string, ok bool) {
	values := r.Header.Values("Origin")
	switch len(values) {
	case 0:
		return "", true
	case 1:
	default:
		return "", false
	}
	if strings.TrimSpace(values[0]) == "" {
		return "", true
	}
	normalized, host, valid := Normalize(values[0])
	if !valid {
		return "", false
	}
	return normalized, p.Allows(normalized, host, r.Host)
}
