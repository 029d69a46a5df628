package proc

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt accumulates per-process CPU accounting, adapted directly from
// biscuit/src/accnt/accnt.go's Userns/Sysns nanosecond counters.
type Accnt struct {
	sync.Mutex
	Userns int64
	Sysns  int64
}

func (a *Accnt) Utadd(delta time.Duration) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

func (a *Accnt) Systadd(delta time.Duration) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Add merges n's counters into a.
func (a *Accnt) Add(n *Accnt) {
	a.Lock()
	defer a.Unlock()
	n.Lock()
	defer n.Unlock()
	a.Userns += n.Userns
	a.Sysns += n.Sysns
}

// Snapshot returns a consistent (Userns, Sysns) pair for reporting.
func (a *Accnt) Snapshot() (int64, int64) {
	a.Lock()
	defer a.Unlock()
	return a.Userns, a.Sysns
}
