package ratelimit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ratePattern = regexp.MustCompile(`^(\d*\.?\d+)\s*(k|kb|kib|m|mb|mib|g|gb|gib)?$`)

const (
	kib = 1024
	mib = kib * 1024
	gib = mib * 1024
)

// ParseRate parses a bandwidth setting such as "2048", "500k", "1.5MB/s" or "1MiB" into
// bytes per second. Units are binary. An empty string or "0" means unlimited.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(s)), "/s")
	if s == "" || s == "0" {
		return 0, nil
	}

	m := ratePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid rate %q (examples: 1MB/s, 500k, 2048)", s)
	}

	num, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in rate %q: %w", s, err)
	}

	var multiplier float64 = 1
	switch m[2] {
	case "k", "kb", "kib":
		multiplier = kib
	case "m", "mb", "mib":
		multiplier = mib
	case "g", "gb", "gib":
		multiplier = gib
	}

	result := int64(num * multiplier)
	if num > 0 && result < 1 {
		return 0, fmt.Errorf("rate %q is below 1 byte/s", s)
	}
	return result, nil
}

// FormatRate renders bytes per second for log lines and the CLI.
func FormatRate(bytesPerSec int64) string {
	if bytesPerSec <= 0 {
		return "unlimited"
	}

	format := func(unit int64, suffix string) string {
		if bytesPerSec%unit == 0 {
			return fmt.Sprintf("%d%s", bytesPerSec/unit, suffix)
		}
		return fmt.Sprintf("%.1f%s", float64(bytesPerSec)/float64(unit), suffix)
	}

	switch {
	case bytesPerSec >= gib:
		return format(gib, "GB/s")
	case bytesPerSec >= mib:
		return format(mib, "MB/s")
	case bytesPerSec >= kib:
		return format(kib, "KB/s")
	default:
		return fmt.Sprintf("%d bytes/s", bytesPerSec)
	}
}
