// Package sysinfo implements the stat/sysinfo records syscalls and
// diagnostics report, plus the small atomic counters biscuit's own
// stats.go uses to track disk and fault activity. Grounded on
// biscuit/src/stat/stat.go (field-encoded Stat_t) and
// biscuit/src/stats/stats.go (Counter_t/Cycles_t).
package sysinfo

import (
	"sync/atomic"

	"labkernel/util"
)

// Stat mirrors the on-the-wire stat record a process receives from
// fstat(): dev/ino/mode/size/rdev, encoded the way stat.go's Stat_t
// writes its fields at fixed byte offsets via unexported accessors —
// reproduced here with util.Writen64/Writen32 instead of unsafe
// pointer math, since this kernel's stat buffers are plain []byte.
type Stat struct {
	Dev  uint64
	Ino  uint64
	Mode uint32
	Size uint64
	Rdev uint32
}

const statSize = 8 + 8 + 4 + 8 + 4

// Bytes encodes s the way a real stat(2) struct would be copied to
// user memory.
func (s Stat) Bytes() []byte {
	b := make([]byte, statSize)
	util.Writen64(b, 0, s.Dev)
	util.Writen64(b, 8, s.Ino)
	util.Writen32(b, 16, s.Mode)
	util.Writen64(b, 20, s.Size)
	util.Writen32(b, 28, s.Rdev)
	return b
}

// Sysinfo is the kernel-wide snapshot a process can query via
// sysinfo(): VM and disk activity counters (spec.md §8 "Testable
// properties" asks that swap behavior be observable through exactly
// this kind of record).
type Sysinfo struct {
	PagesInUse   int
	PagesInSwap  int
	NumDiskReads int64
	FreePages    int
}

// Counter is a simple atomic event counter, adapted from
// biscuit/src/stats/stats.go's Counter_t.
type Counter struct {
	v int64
}

func (c *Counter) Inc()          { atomic.AddInt64(&c.v, 1) }
func (c *Counter) Add(n int64)   { atomic.AddInt64(&c.v, n) }
func (c *Counter) Value() int64  { return atomic.LoadInt64(&c.v) }

// Cycles is a counter paired with a duration, for latency-style
// stats (biscuit's Cycles_t).
type Cycles struct {
	Counter
	NanosTotal int64
}

func (c *Cycles) AddSample(nanos int64) {
	c.Inc()
	atomic.AddInt64(&c.NanosTotal, nanos)
}
