package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// durations collects parse errors so validation reports every bad field
// at once.
type durations struct {
	errs []error
}

func (d *durations) get(path, raw string, def time.Duration) time.Duration {
	v, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		d.errs = append(d.errs, err)
		return def
	}
	return v
}

func (d *durations) err() error { return errors.Join(d.errs...) }
