package model

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Target is a validated scan target: either an absolute http(s) URL or a
// bare host with an optional port.
type Target struct {
	URL  *url.URL
	Host string
	Port int
}

// ParseTarget accepts "http://host[:port]/path", "https://..." or "host[:port]".
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("%w: empty target", ErrValidation)
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Target{}, fmt.Errorf("%w: parsing target: %v", ErrValidation, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return Target{}, fmt.Errorf("%w: unsupported target scheme %q", ErrValidation, u.Scheme)
		}
		if u.Hostname() == "" {
			return Target{}, fmt.Errorf("%w: target %q has no host", ErrValidation, raw)
		}
		t := Target{URL: u, Host: u.Hostname()}
		if p := u.Port(); p != "" {
			port, err := parsePort(p)
			if err != nil {
				return Target{}, err
			}
			t.Port = port
		}
		return t, nil
	}

	host, port := raw, ""
	if h, p, err := net.SplitHostPort(raw); err == nil {
		host, port = h, p
	}
	if host == "" || strings.ContainsAny(host, "/?#@ ") {
		return Target{}, fmt.Errorf("%w: invalid target host %q", ErrValidation, raw)
	}
	t := Target{Host: host}
	if port != "" {
		p, err := parsePort(port)
		if err != nil {
			return Target{}, err
		}
		t.Port = p
	}
	return t, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("%w: invalid port %q", ErrValidation, s)
	}
	return p, nil
}

// IsURL reports whether the target was given with an http(s) scheme.
func (t Target) IsURL() bool {
	return t.URL != nil
}

func (t Target) String() string {
	if t.URL != nil {
		return t.URL.String()
	}
	if t.Port != 0 {
		return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	}
	return t.Host
}
