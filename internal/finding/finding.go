package finding

import (
	"cmp"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Finding is one normalized observation produced by a scan engine.
type Finding struct {
	JobID       string         `json:"jobId"`
	ID          string         `json:"id"`
	Engine      string         `json:"engine"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Severity    Severity       `json:"severity"`
	Score       float64        `json:"score"`
	Location    string         `json:"location"`
	Remediation string         `json:"remediation,omitempty"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Confidence  string         `json:"confidence,omitempty"`
	References  []string       `json:"references,omitempty"`
	CWE         int            `json:"cwe,omitempty"`
}

// StableID derives a deterministic identifier from the engine name and the
// tool-native identifying parts of a finding. Equal inputs give equal ids
// across runs and processes.
func StableID(engine string, parts ...string) string {
	h := murmur3.New128()
	_, _ = h.Write([]byte(engine))
	for _, p := range parts {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeTags lowercases, trims and deduplicates tags, returning them sorted.
func NormalizeTags(tags ...string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Merge concatenates batches, keeps the first finding for every id and
// orders the result by severity (most severe first) then id. Tags of
// dropped duplicates are unioned into the kept finding.
func Merge(batches ...[]Finding) []Finding {
	var n int
	for _, b := range batches {
		n += len(b)
	}
	out := make([]Finding, 0, n)
	seen := make(map[string]int, n)
	for _, batch := range batches {
		for _, f := range batch {
			if i, ok := seen[f.ID]; ok {
				out[i].Tags = NormalizeTags(slices.Concat(out[i].Tags, f.Tags)...)
				continue
			}
			seen[f.ID] = len(out)
			out = append(out, f)
		}
	}
	slices.SortStableFunc(out, func(a, b Finding) int {
		if c := cmp.Compare(b.Severity, a.Severity); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Summary counts findings per severity.
type Summary struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

func Summarize(findings []Finding) Summary {
	var s Summary
	for _, f := range findings {
		s.Add(f.Severity, 1)
	}
	return s
}

func (s *Summary) Add(sev Severity, n int) {
	switch sev {
	case SeverityCritical:
		s.Critical += n
	case SeverityHigh:
		s.High += n
	case SeverityMedium:
		s.Medium += n
	case SeverityLow:
		s.Low += n
	default:
		s.Info += n
	}
	s.Total += n
}
