package engine

import (
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/scania/scanhub/internal/model"
)

// Options is the free-form key/value configuration handed to adapters. The
// getters tolerate the types produced by JSON and YAML decoding and fall back
// to the default on a missing key or an unusable value.
type Options map[string]any

// Merge returns a copy of o overridden by over.
func (o Options) Merge(over Options) Options {
	out := maps.Clone(o)
	if out == nil {
		out = make(Options, len(over))
	}
	maps.Copy(out, over)
	return out
}

func (o Options) String(key, def string) string {
	switch v := o[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return def
}

func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Duration accepts a duration string ("30m", "1h30m") or a number of seconds.
func (o Options) Duration(key string, def time.Duration) time.Duration {
	switch v := o[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		if d, err := model.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case time.Duration:
		if v > 0 {
			return v
		}
	}
	return def
}

// Strings accepts a list or a comma separated string.
func (o Options) Strings(key string, def []string) []string {
	var out []string
	switch v := o[key].(type) {
	case []string:
		out = v
	case []any:
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = strings.Split(v, ",")
	default:
		return def
	}
	clean := make([]string, 0, len(out))
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			clean = append(clean, s)
		}
	}
	if len(clean) == 0 {
		return def
	}
	return clean
}
