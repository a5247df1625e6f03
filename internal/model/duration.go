package model

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"time"
)

var durationRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?(\d+ms)?$`)

// ParseDuration parses ordered day/hour/minute/second/millisecond segments
// such as "1d12h", "30s" or "250ms". Empty string is rejected.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	m := durationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.New("invalid duration format: " + s)
	}
	var total time.Duration
	for _, seg := range m[1:] {
		if seg == "" {
			continue
		}
		var unit time.Duration
		var num string
		switch {
		case len(seg) > 2 && seg[len(seg)-2:] == "ms":
			unit, num = time.Millisecond, seg[:len(seg)-2]
		case seg[len(seg)-1] == 'd':
			unit, num = 24*time.Hour, seg[:len(seg)-1]
		case seg[len(seg)-1] == 'h':
			unit, num = time.Hour, seg[:len(seg)-1]
		case seg[len(seg)-1] == 'm':
			unit, num = time.Minute, seg[:len(seg)-1]
		default:
			unit, num = time.Second, seg[:len(seg)-1]
		}
		val, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, errors.New("invalid number in " + seg)
		}
		if val > 0 && time.Duration(val) > time.Duration(math.MaxInt64)/unit {
			return 0, errors.New("duration overflow")
		}
		add := time.Duration(val) * unit
		if total > time.Duration(math.MaxInt64)-add {
			return 0, errors.New("duration overflow")
		}
		total += add
	}
	return total, nil
}

// DurationOr parses s and falls back to def when s is empty or malformed.
func DurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
