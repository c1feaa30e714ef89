package sizer

import "github.com/danielfoehrkn/writable-layer-finder/pkg/types"

// Filter returns true if a measured record should be kept.
// Records that could not be measured are always kept by the filters of this package.
type Filter func(types.SizedRecord) bool

// SkipZero drops records measured at zero bytes
func SkipZero() Filter {
	return func(r types.SizedRecord) bool {
		return !r.OK() || r.Bytes != 0
	}
}

// MinBytes drops records measured below min bytes
func MinBytes(min int64) Filter {
	return func(r types.SizedRecord) bool {
		return !r.OK() || r.Bytes >= min
	}
}

// Chain keeps records kept by every non-nil filter
func Chain(filters ...Filter) Filter {
	return func(r types.SizedRecord) bool {
		for _, f := range filters {
			if f != nil && !f(r) {
				return false
			}
		}
		return true
	}
}
