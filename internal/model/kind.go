package model

import (
	"fmt"
	"strings"
)

// ScanKind identifies which engine runs a part of a job.
type ScanKind string

const (
	KindWebApp    ScanKind = "webapp"
	KindNetwork   ScanKind = "network"
	KindTLS       ScanKind = "tls"
	KindDirectory ScanKind = "directory"
	KindSubdomain ScanKind = "subdomain"
)

// ScanKinds returns every known kind in declaration order.
func ScanKinds() []ScanKind {
	return []ScanKind{KindWebApp, KindNetwork, KindTLS, KindDirectory, KindSubdomain}
}

var kindAliases = map[string]ScanKind{
	"webapp":               KindWebApp,
	"web":                  KindWebApp,
	"zap":                  KindWebApp,
	"owasp_zap":            KindWebApp,
	"network":              KindNetwork,
	"nmap":                 KindNetwork,
	"nmap_port":            KindNetwork,
	"port":                 KindNetwork,
	"tls":                  KindTLS,
	"ssl_tls":              KindTLS,
	"directory":            KindDirectory,
	"directory_bruteforce": KindDirectory,
	"subdomain":            KindSubdomain,
	"subdomain_enum":       KindSubdomain,
}

// ParseScanKind resolves a kind name or one of its aliases.
func ParseScanKind(s string) (ScanKind, error) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: unknown scan kind %q", ErrValidation, s)
	}
	return k, nil
}

// ParseScanKinds parses names into an ordered set: duplicates (including
// aliases of an already seen kind) are dropped and an empty result is an error.
func ParseScanKinds(names []string) ([]ScanKind, error) {
	seen := make(map[ScanKind]struct{}, len(names))
	out := make([]ScanKind, 0, len(names))
	for _, n := range names {
		k, err := ParseScanKind(n)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one scan kind is required", ErrValidation)
	}
	return out, nil
}

// Valid reports whether k is one of the canonical kinds (not an alias).
func (k ScanKind) Valid() bool {
	c, ok := kindAliases[string(k)]
	return ok && c == k
}
