package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var units = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// HumanSize formats a byte count using binary units with one decimal place, e.g. "100.0 MiB".
// Plain bytes are printed without decimals ("512 B"). Negative values are formatted as 0.
func HumanSize(n int64) string {
	if n < 0 {
		n = 0
	}
	v := float64(n)
	for i, u := range units {
		if v < 1024 || i == len(units)-1 {
			if i == 0 {
				return fmt.Sprintf("%d %s", n, u)
			}
			return fmt.Sprintf("%.1f %s", v, u)
		}
		v /= 1024
	}
	// unreachable
	return fmt.Sprintf("%.1f %s", v, units[len(units)-1])
}

// IsSafeAbsPath returns true if p is a non-empty absolute path without NUL bytes
func IsSafeAbsPath(p string) bool {
	if p == "" || strings.ContainsRune(p, '\x00') {
		return false
	}
	return filepath.IsAbs(p)
}

// IsWithin returns true if target is base or lies below base.
// Both paths are cleaned before comparison, so "/data/../etc" is not within "/data".
func IsWithin(base, target string) bool {
	base = filepath.Clean(base)
	target = filepath.Clean(target)
	if base == string(os.PathSeparator) {
		return true
	}
	return target == base || strings.HasPrefix(target, base+string(os.PathSeparator))
}

// Contained returns true if no roots are configured or target is within one of them
func Contained(roots []string, target string) bool {
	if len(roots) == 0 {
		return true
	}
	for _, root := range roots {
		if IsWithin(root, target) {
			return true
		}
	}
	return false
}
