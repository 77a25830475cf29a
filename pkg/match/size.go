package match

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidSize is returned for unparseable size strings.
var ErrInvalidSize = errors.New("invalid size")

// Size unit multipliers.
const (
	KB int64 = 1000
	MB       = 1000 * KB
	GB       = 1000 * MB
	TB       = 1000 * GB

	KiB int64 = 1024
	MiB       = 1024 * KiB
	GiB       = 1024 * MiB
	TiB       = 1024 * GiB
)

var units = map[string]int64{
	"": 1, "B": 1,
	"K": KB, "KB": KB, "M": MB, "MB": MB, "G": GB, "GB": GB, "T": TB, "TB": TB,
	"KI": KiB, "KIB": KiB, "MI": MiB, "MIB": MiB, "GI": GiB, "GIB": GiB, "TI": TiB, "TIB": TiB,
}

// ParseSize parses sizes such as "1024", "100MB" (base 10) or "1.5GiB"
// (base 2). Units are case insensitive.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == '.') {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	mult, ok := units[strings.ToUpper(strings.TrimSpace(s[end:]))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalidSize, s)
	}

	num, err := strconv.ParseFloat(s[:end], 64)
	if err != nil || math.IsInf(num, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	total := num * float64(mult)
	if total >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidSize, s)
	}
	return int64(total), nil
}

// FormatSize renders bytes with base-2 units, e.g. "1.5MiB".
func FormatSize(bytes int64) string {
	switch {
	case bytes >= TiB:
		return fmt.Sprintf("%.1fTiB", float64(bytes)/float64(TiB))
	case bytes >= GiB:
		return fmt.Sprintf("%.1fGiB", float64(bytes)/float64(GiB))
	case bytes >= MiB:
		return fmt.Sprintf("%.1fMiB", float64(bytes)/float64(MiB))
	case bytes >= KiB:
		return fmt.Sprintf("%.1fKiB", float64(bytes)/float64(KiB))
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
