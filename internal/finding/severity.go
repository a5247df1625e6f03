package finding

import (
	"fmt"
	"math"
	"strings"
)

// Severity is an ordered qualitative risk level. The zero value is Info.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{
	SeverityInfo:     "info",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

// Severities lists all levels from the most to the least severe.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity is case insensitive and accepts "informational" as an alias of info.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "informational":
		return SeverityInfo, nil
	case "low":
		return SeverityLow, nil
	case "medium", "moderate":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	if s < SeverityInfo || s > SeverityCritical {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// DefaultScore returns a CVSS-like score used when the engine provides none.
func DefaultScore(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 9.5
	case SeverityHigh:
		return 8.0
	case SeverityMedium:
		return 5.5
	case SeverityLow:
		return 3.0
	default:
		return 1.0
	}
}

// ClampScore bounds score to [0,10]. NaN is replaced by the default score of sev.
func ClampScore(score float64, sev Severity) float64 {
	switch {
	case math.IsNaN(score):
		return DefaultScore(sev)
	case score < 0:
		return 0
	case score > 10:
		return 10
	}
	return score
}

// Mapping translates an engine's native risk vocabulary to Severity.
// Lookups are exact first, then case insensitive; anything else gets Default.
type Mapping struct {
	Table   map[string]Severity
	Default Severity
}

func (m Mapping) Severity(native string) Severity {
	if s, ok := m.Table[native]; ok {
		return s
	}
	for k, s := range m.Table {
		if strings.EqualFold(k, strings.TrimSpace(native)) {
			return s
		}
	}
	return m.Default
}
