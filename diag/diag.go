// Package diag implements the kernel's diagnostics: first-occurrence
// call-stack tracking for noisy code paths (e.g. "this call site
// faulted for the first time") and a pprof-format profiler for page
// faults and swap events, loadable offline with `go tool pprof`.
//
// Grounded on biscuit/src/caller/caller.go's Distinct_caller_t (a
// hash-of-PCs seen-before set) and biscuit's own direct dependency on
// github.com/google/pprof for building non-CPU profiles.
package diag

import (
	"runtime"
	"sync"

	"github.com/google/pprof/profile"
)

// DistinctCaller tracks whether the current call chain has been seen
// before, the same whitelist-aware first-occurrence check
// biscuit/src/caller/caller.go implements.
type DistinctCaller struct {
	mu      sync.Mutex
	Enabled bool
	seen    map[uintptr]bool
	Whitelist map[string]bool
}

func (dc *DistinctCaller) pcHash(pcs []uintptr) uintptr {
	var h uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		h ^= pc
	}
	return h
}

// Len returns the number of distinct call chains recorded so far.
func (dc *DistinctCaller) Len() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.seen)
}

// Distinct reports whether the caller's current call chain is new,
// returning a formatted stack trace when it is.
func (dc *DistinctCaller) Distinct() (bool, string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if !dc.Enabled {
		return false, ""
	}
	if dc.seen == nil {
		dc.seen = make(map[uintptr]bool)
	}

	pcs := make([]uintptr, 32)
	got := runtime.Callers(2, pcs)
	pcs = pcs[:got]

	h := dc.pcHash(pcs)
	if dc.seen[h] {
		return false, ""
	}

	frames := runtime.CallersFrames(pcs)
	var out string
	for {
		fr, more := frames.Next()
		if dc.Whitelist[fr.Function] {
			return false, ""
		}
		if out == "" {
			out = fr.Function
		} else {
			out += "\n\t<-" + fr.Function
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	dc.seen[h] = true
	return true, out
}

// EventKind names what a profiled sample represents.
type EventKind int

const (
	EventPageFault EventKind = iota
	EventSwapIn
	EventSwapOut
)

func (k EventKind) String() string {
	switch k {
	case EventPageFault:
		return "page_fault"
	case EventSwapIn:
		return "swap_in"
	case EventSwapOut:
		return "swap_out"
	default:
		return "unknown"
	}
}

type sample struct {
	kind  EventKind
	stack []uintptr
}

// FaultProfiler accumulates stack-tagged page-fault and swap-event
// samples and serializes them as a pprof profile, turning the "observe
// COW/swap behavior" testing goal (spec.md §8) into something you can
// point `go tool pprof` at.
type FaultProfiler struct {
	mu      sync.Mutex
	samples []sample
}

func NewFaultProfiler() *FaultProfiler {
	return &FaultProfiler{}
}

// Record captures the calling goroutine's stack and tags it with kind.
func (fp *FaultProfiler) Record(kind EventKind) {
	pcs := make([]uintptr, 32)
	got := runtime.Callers(2, pcs)
	fp.mu.Lock()
	fp.samples = append(fp.samples, sample{kind: kind, stack: append([]uintptr(nil), pcs[:got]...)})
	fp.mu.Unlock()
}

// Profile builds a *profile.Profile with one sample-type count per
// recorded event, one location per distinct PC, and one sample per
// recorded event mapped onto its captured stack.
func (fp *FaultProfiler) Profile() *profile.Profile {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "events", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "events", Unit: "count"},
		Period:     1,
	}

	locByPC := make(map[uintptr]*profile.Location)
	nextLocID := uint64(1)

	locFor := func(pc uintptr) *profile.Location {
		if l, ok := locByPC[pc]; ok {
			return l
		}
		fn := runtime.FuncForPC(pc)
		name := "unknown"
		if fn != nil {
			name = fn.Name()
		}
		m := &profile.Function{ID: nextLocID, Name: name, SystemName: name}
		l := &profile.Location{
			ID:      nextLocID,
			Address: uint64(pc),
			Line:    []profile.Line{{Function: m}},
		}
		p.Function = append(p.Function, m)
		p.Location = append(p.Location, l)
		locByPC[pc] = l
		nextLocID++
		return l
	}

	for _, s := range fp.samples {
		locs := make([]*profile.Location, 0, len(s.stack))
		for _, pc := range s.stack {
			locs = append(locs, locFor(pc))
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{1},
			Label:    map[string][]string{"kind": {s.kind.String()}},
		})
	}
	return p
}
