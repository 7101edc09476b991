package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeframe is the duration a bar spans. Bars of a timeframe always open on
// an exact multiple of it (Unix epoch based).
type Timeframe time.Duration

const (
	TF1m  = Timeframe(time.Minute)
	TF5m  = Timeframe(5 * time.Minute)
	TF15m = Timeframe(15 * time.Minute)
	TF1h  = Timeframe(time.Hour)
	TF4h  = Timeframe(4 * time.Hour)
	TF1d  = Timeframe(24 * time.Hour)

	// MaxTimeframe bounds parsed timeframes well below Duration overflow.
	MaxTimeframe = Timeframe(366 * 24 * time.Hour)
)

// Duration returns the timeframe as a time.Duration.
func (tf Timeframe) Duration() time.Duration { return time.Duration(tf) }

// Seconds returns the timeframe length in whole seconds.
func (tf Timeframe) Seconds() int64 { return int64(time.Duration(tf) / time.Second) }

// Align truncates t to the start of the timeframe bucket containing it.
func (tf Timeframe) Align(t time.Time) time.Time {
	sec := tf.Seconds()
	u := t.Unix()
	b := u - mod(u, sec)
	return time.Unix(b, 0).UTC()
}

// Aligned reports whether t is exactly on a bucket boundary.
func (tf Timeframe) Aligned(t time.Time) bool {
	return t.Nanosecond() == 0 && mod(t.Unix(), tf.Seconds()) == 0
}

// Valid reports whether the timeframe is a positive whole number of seconds.
func (tf Timeframe) Valid() bool {
	d := time.Duration(tf)
	return d >= time.Second && d%time.Second == 0
}

// String renders the timeframe as "1m", "15m", "1h", "1d" or seconds ("30s").
func (tf Timeframe) String() string {
	d := time.Duration(tf)
	switch {
	case d <= 0:
		return "0s"
	case d%(24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	default:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	}
}

// ParseTimeframe parses "1m", "5m", "1h", "1d", "30s" or a bare number of seconds.
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty timeframe")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 || n > MaxTimeframe.Seconds() {
			return 0, fmt.Errorf("invalid timeframe %q", s)
		}
		return Timeframe(time.Duration(n) * time.Second), nil
	}
	unit := s[len(s)-1]
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	var d time.Duration
	switch unit {
	case 's':
		d = time.Second
	case 'm':
		d = time.Minute
	case 'h':
		d = time.Hour
	case 'd':
		d = 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid timeframe unit in %q", s)
	}
	if n > int64(MaxTimeframe)/int64(d) {
		return 0, fmt.Errorf("timeframe %q exceeds %s", s, MaxTimeframe)
	}
	return Timeframe(time.Duration(n) * d), nil
}

// ParseTimeframes parses a list of timeframe strings, rejecting duplicates.
func ParseTimeframes(in []string) ([]Timeframe, error) {
	out := make([]Timeframe, 0, len(in))
	seen := make(map[Timeframe]bool, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) == "" {
			continue
		}
		tf, err := ParseTimeframe(s)
		if err != nil {
			return nil, err
		}
		if seen[tf] {
			return nil, fmt.Errorf("duplicate timeframe %s", tf)
		}
		seen[tf] = true
		out = append(out, tf)
	}
	return out, nil
}

// mod is a floor modulo so pre-epoch timestamps still align downwards.
func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// MarshalJSON encodes the timeframe as its string form ("5m").
func (tf Timeframe) MarshalJSON() ([]byte, error) {
	return []byte(`"` + tf.String() + `"`), nil
}

// UnmarshalJSON accepts the string form ("5m") or a number of seconds.
func (tf *Timeframe) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseTimeframe(s)
	if err != nil {
		return err
	}
	*tf = parsed
	return nil
}
