package progress

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	kib = 1024
	mib = kib * 1024
	gib = mib * 1024
	tib = gib * 1024
)

// FormatBytes renders b with a binary unit, e.g. "1.50 MiB".
func FormatBytes(b int64) string {
	switch {
	case b >= tib:
		return fmt.Sprintf("%.2f TiB", float64(b)/tib)
	case b >= gib:
		return fmt.Sprintf("%.2f GiB", float64(b)/gib)
	case b >= mib:
		return fmt.Sprintf("%.2f MiB", float64(b)/mib)
	case b >= kib:
		return fmt.Sprintf("%.2f KiB", float64(b)/kib)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// FormatRate renders a bytes-per-second rate.
func FormatRate(bps float64) string {
	return FormatBytes(int64(bps)) + "/s"
}

// ParseBytes parses sizes such as "65536", "64KiB", "64KB", "1.5MiB" or "2G".
// All units are powers of 1024.
func ParseBytes(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)

	multiplier := uint64(1)
	for _, u := range []struct {
		suffix string
		mult   uint64
	}{
		{"TIB", tib}, {"GIB", gib}, {"MIB", mib}, {"KIB", kib},
		{"TB", tib}, {"GB", gib}, {"MB", mib}, {"KB", kib},
		{"T", tib}, {"G", gib}, {"M", mib}, {"K", kib},
		{"B", 1},
	} {
		if strings.HasSuffix(upper, u.suffix) {
			multiplier = u.mult
			s = strings.TrimSpace(s[:len(s)-len(u.suffix)])
			break
		}
	}
	if s == "" {
		return 0, fmt.Errorf("invalid byte size %q", orig)
	}

	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		if multiplier > 1 && n > ^uint64(0)/multiplier {
			return 0, fmt.Errorf("byte size %q overflows", orig)
		}
		return n * multiplier, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid byte size %q", orig)
	}
	v := f * float64(multiplier)
	if v >= 1<<64 {
		return 0, fmt.Errorf("byte size %q overflows", orig)
	}
	return uint64(v), nil
}
