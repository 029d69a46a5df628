// Package limits tracks a fixed system-wide resource budget as an
// atomically-adjustable counter, rather than a plain capacity check
// inline in the table that owns it. Adapted from
// biscuit/src/limits/limits.go's Sysatomic_t (take/give with
// rollback-on-failure) — the surrounding Syslimit_t struct tracked
// several networking-era budgets (Futexes, Arpents, Routes, Tcpsegs,
// Mfspgs, Socks) this kernel has no counterpart for, so only the
// reusable counter type survives; proc.Table wires one instance up
// for the process-table cap (defs.NPROC).
package limits

import "sync/atomic"

// Atomic is a resource budget that can be taken from and given back
// to, failing Taken/Take once exhausted instead of going negative.
type Atomic struct {
	v atomic.Int64
}

// NewAtomic returns a counter initialized to n.
func NewAtomic(n int64) *Atomic {
	a := &Atomic{}
	a.v.Store(n)
	return a
}

// Given increases the budget by n, the same uint-only contract the
// teacher's Given enforces (a negative grant is a caller bug).
func (a *Atomic) Given(n uint) {
	a.v.Add(int64(n))
}

// Taken tries to decrement the budget by n, restoring it and
// reporting false if that would take it negative.
func (a *Atomic) Taken(n uint) bool {
	if a.v.Add(-int64(n)) >= 0 {
		return true
	}
	a.v.Add(int64(n))
	return false
}

func (a *Atomic) Take() bool { return a.Taken(1) }
func (a *Atomic) Give()      { a.Given(1) }

// Value reports the budget currently remaining.
func (a *Atomic) Value() int64 { return a.v.Load() }
