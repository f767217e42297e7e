// Package limits tracks system-wide resource limits, adapted from the
// teacher's limits package: an atomically-updated counter type plus a
// struct of the quotas this kernel actually enforces (SPEC_FULL.md's
// quota error kind in §7).
package limits

import "sync/atomic"

// Lhits counts how many times a limit has been hit, for diagnostics,
// exactly as the teacher's Lhits does.
var Lhits int64

// Sysatomic_t is a numeric limit that can be atomically taken/given back.
type Sysatomic_t struct {
	v int64
}

// Taken tries to decrement the limit by n, reporting success.
func (s *Sysatomic_t) Taken(n uint) bool {
	v := int64(n)
	g := atomic.AddInt64(&s.v, -v)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(&s.v, v)
	atomic.AddInt64(&Lhits, 1)
	return false
}

// Take decrements the limit by one.
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }

// Given increases the limit by n (e.g. when a resource is freed).
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(&s.v, int64(n))
}

// Give increases the limit by one.
func (s *Sysatomic_t) Give() { s.Given(1) }

// Remain reports the current remaining quota.
func (s *Sysatomic_t) Remain() int64 { return atomic.LoadInt64(&s.v) }

// Syslimit_t tracks the system-wide quotas this kernel enforces: process
// count (fork/create_process), PV guest count, and PTS count. The
// teacher tracks many more (network, fs); this rewrite keeps only the
// ones SPEC_FULL.md's components exercise.
type Syslimit_t struct {
	Sysprocs Sysatomic_t
	PVGuests Sysatomic_t
	PTSes    Sysatomic_t
}

// Syslimit holds the configured system-wide limits.
var Syslimit = MkSysLimit()

// MkSysLimit returns the default set of limits.
func MkSysLimit() *Syslimit_t {
	s := &Syslimit_t{}
	s.Sysprocs.Given(1 << 14)
	s.PVGuests.Given(64)
	s.PTSes.Given(16)
	return s
}
