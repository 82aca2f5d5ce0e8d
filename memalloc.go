// Package memalloc is an umbrella package for three no-OS-dependency,
// single-threaded memory allocators — buddy, slab and tlsf — each
// living in its own subpackage, plus the pagesource bridge that lets a
// slab.Zone draw its pages from a buddy.Zone or from any other page
// producer. There is no shared runtime state here: this file only
// re-exports each subpackage's Config type and a read-only
// introspection of a TLSF Config, for callers that want to build or
// inspect configurations without importing the subpackages by name.
package memalloc

import (
	"github.com/seagull-kamome/memalloc/buddy"
	"github.com/seagull-kamome/memalloc/slab"
	"github.com/seagull-kamome/memalloc/tlsf"
)

// BuddyConfig, SlabConfig and TLSFConfig alias each subpackage's
// Config type so a caller can build one without a second import.
type (
	BuddyConfig = buddy.Config
	SlabConfig  = slab.Config
	TLSFConfig  = tlsf.Config
)

// TLSFIntrospection exposes a tlsf.Config's read-only parameters
// (unit size, per-block sentinel overhead, first-level bitmap width,
// second-level subdivision exponent, machine alignment) without
// requiring a caller to import the
// tlsf package just to read them back.
type TLSFIntrospection struct {
	UnitSize         int
	ZoneHeaderSize   int
	FLShift          int
	SLShift          uint
	MachineAlignment int
}

// Introspect returns cfg's read-only configuration values.
func Introspect(cfg tlsf.Config) TLSFIntrospection {
	return TLSFIntrospection{
		UnitSize:         cfg.UnitSize(),
		ZoneHeaderSize:   cfg.ZoneHeaderSize(),
		FLShift:          cfg.FLShift(),
		SLShift:          cfg.SLShift(),
		MachineAlignment: cfg.MachineAlignment(),
	}
}
