// Package hooks holds the warn/assert callback pair shared by the
// buddy, slab and TLSF zones. Failures fall into three tiers:
// caller-parameter errors (reported through a warn hook, operation
// returns a zero value), exhaustion (silent zero value, no hook), and
// invariant violations (reported through an assert hook, fatal by
// default). The hooks are plain function values rather than a
// logging framework.
package hooks

import "fmt"

// Hooks is embedded in every zone's Config. Both fields are optional;
// Normalize fills in defaults.
type Hooks struct {
	// Warnf is invoked for caller-parameter errors: a zero or negative
	// alloc size, a slab alloc size above the size class, an invalid
	// buddy alloc order, an out-of-range give_pages range, or a
	// create_zone/add_block block shorter than the TLSF zone header
	// size. The default is a no-op. A nil zone is not checked, and a
	// free at an invalid offset goes through Assert, not Warnf.
	Warnf func(format string, args ...any)

	// Assert is invoked when an internal invariant is violated or a
	// free cannot be placed: a TLSF double free, a buddy free with an
	// invalid order or offset, a slab free of a pointer the zone does
	// not own, a partial slab page with no free slot, or an upstream
	// page of the wrong size. The default panics. Bitmap and
	// prev_physical consistency is not checked on each operation;
	// tlsf.Zone.Audit reports it as an error instead.
	Assert func(cond bool, format string, args ...any)
}

// Normalize returns a copy of h with nil fields replaced by defaults.
func (h Hooks) Normalize() Hooks {
	if h.Warnf == nil {
		h.Warnf = func(string, ...any) {}
	}
	if h.Assert == nil {
		h.Assert = func(cond bool, format string, args ...any) {
			if !cond {
				panic(fmt.Sprintf(format, args...))
			}
		}
	}
	return h
}

// Warn reports a caller-parameter error.
func (h Hooks) Warn(format string, args ...any) {
	h.Warnf(format, args...)
}

// Assertf panics (or invokes the configured Assert hook) unless cond is true.
func (h Hooks) Assertf(cond bool, format string, args ...any) {
	h.Assert(cond, format, args...)
}
