// Package mem implements the physical page-frame allocator and the
// swap manager: frame descriptors, a clock-style eviction scan that
// swaps a victim out when the free pool runs low, and the 2048-slot
// swap bitmap that backs it. Grounded on biscuit/src/mem/mem.go's
// Physmem_t/Physpg_t refcounted frame table and biscuit's
// oommsg-style low-memory notification channel.
package mem

import (
	"sync"
	"sync/atomic"

	"labkernel/block"
	"labkernel/defs"
)

// PGSIZE is the size of one virtual/physical page: 8 device blocks.
const PGSIZE = 4096

// BlocksPerPage is the device-block count backing one page or one
// swap slot.
const BlocksPerPage = PGSIZE / block.BSIZE

// NSwapSlots is the fixed size of the swap bitmap (spec.md §3).
const NSwapSlots = 2048

// LowWaterMark is the free-frame count below which Alloc triggers an
// eviction before serving a new frame (spec.md §4.3).
const LowWaterMark = 10

// Pa is a frame index (not a byte address) into the physical pool.
type Pa int

// Va is an opaque stand-in for a virtual address, used only so a
// frame descriptor can record who owns it for eviction purposes. The
// vm package supplies the concrete type via the OwnerVA field.
type Va = uintptr

// Owner is implemented by whatever owns a page's VPI, so the
// allocator can rewrite it in place during eviction/swap-in without
// importing package vm (which would create an import cycle, since vm
// imports mem for frames).
type Owner interface {
	// Accessed reports and clears the hardware-accessed bit for the
	// page at va, consulted once per clock-scan candidate.
	Accessed(va Va) bool
	// EvictToSwap rewrites the VPI owning va so it is marked
	// present=0, swapped=1, spn=slot.
	EvictToSwap(va Va, slot int)
	// SwapIn rewrites the VPI owning va so it is marked present=1,
	// swapped=0, ppn=frame.
	SwapIn(va Va, frame Pa)
}

// Frame is the page-frame descriptor: one per physical page.
// Invariant: refcount==0 iff the frame is on the free list.
type Frame struct {
	sync.Mutex
	Data      [PGSIZE]byte
	Refcount  int32
	UserFlag  bool
	Owner     Owner
	OwnerVA   Va
	available bool
}

// SwapSlot is the descriptor for one 8-block region of the swap area.
type SwapSlot struct {
	sync.Mutex
	Available bool
	UserFlag  bool
	Owner     Owner
	OwnerVA   Va
	Refcount  int32
}

// OOM is sent on Allocator.OomCh when eviction cannot free a frame,
// the Go-native replacement for biscuit's oommsg channel: a listener
// (the kernel's background reclaimer, if any) can respond by freeing
// caches. Need is the number of frames the caller wanted.
type OOM struct {
	Need   int
	Resume chan bool
}

// Allocator owns the physical frame pool and the swap bitmap.
type Allocator struct {
	mu     sync.Mutex
	frames []*Frame
	free   []Pa

	swapBase  int // first device block of the swap region
	swapCache *block.Cache
	slots     [NSwapSlots]SwapSlot

	clockCursor int

	OomCh chan OOM

	swapIns int64
}

// NewAllocator builds an allocator over npages physical frames, with
// its swap region starting at device block swapBase on cache c.
func NewAllocator(npages int, c *block.Cache, swapBase int) *Allocator {
	a := &Allocator{
		frames:    make([]*Frame, npages),
		free:      make([]Pa, 0, npages),
		swapBase:  swapBase,
		swapCache: c,
		OomCh:     make(chan OOM, 1),
	}
	for i := 0; i < npages; i++ {
		a.frames[i] = &Frame{available: true}
		a.free = append(a.free, Pa(i))
	}
	for i := range a.slots {
		a.slots[i].Available = true
	}
	return a
}

// Alloc returns a zeroed frame, evicting a victim to swap first if the
// free pool has dropped below LowWaterMark (spec.md §4.3).
func (a *Allocator) Alloc() (Pa, defs.Err_t) {
	a.mu.Lock()
	if len(a.free) < LowWaterMark {
		a.evictOne()
	}
	if len(a.free) == 0 {
		a.mu.Unlock()
		resume := make(chan bool, 1)
		a.OomCh <- OOM{Need: 1, Resume: resume}
		<-resume
		a.mu.Lock()
		if len(a.free) == 0 {
			a.mu.Unlock()
			return 0, defs.ENOMEM
		}
	}
	pa := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	f := a.frames[pa]
	a.mu.Unlock()

	f.Lock()
	for i := range f.Data {
		f.Data[i] = 0
	}
	f.Refcount = 1
	f.available = false
	f.Unlock()
	return pa, 0
}

// Refup increments a frame's mapping refcount, called whenever a new
// VPI is pointed at an already-resident frame (shallow COW copy).
func (a *Allocator) Refup(pa Pa) {
	f := a.frames[pa]
	f.Lock()
	f.Refcount++
	f.Unlock()
}

// Free drops one reference on pa; at zero it is scrubbed and returned
// to the free list.
func (a *Allocator) Free(pa Pa) {
	f := a.frames[pa]
	f.Lock()
	f.Refcount--
	done := f.Refcount <= 0
	if done {
		for i := range f.Data {
			f.Data[i] = 0
		}
		f.available = true
		f.Owner = nil
	}
	f.Unlock()
	if done {
		a.mu.Lock()
		a.free = append(a.free, pa)
		a.mu.Unlock()
	}
}

// Frame returns the frame descriptor for pa, for direct data access
// (e.g. COW copy, swap I/O).
func (a *Allocator) Frame(pa Pa) *Frame {
	return a.frames[pa]
}

// evictOne runs the clock scan and swaps out one user-owned,
// not-recently-accessed frame. Caller holds a.mu.
func (a *Allocator) evictOne() {
	n := len(a.frames)
	if n == 0 {
		return
	}
	slot, ok := a.allocSlotLocked()
	if !ok {
		return
	}
	for i := 0; i < 2*n; i++ {
		idx := a.clockCursor
		a.clockCursor = (a.clockCursor + 1) % n
		f := a.frames[idx]
		f.Lock()
		if f.available || !f.UserFlag || f.Owner == nil {
			f.Unlock()
			continue
		}
		if f.Owner.Accessed(f.OwnerVA) {
			f.Unlock()
			continue
		}
		// Victim found: write its contents to the swap slot, bypassing
		// the log (swap data is never journaled, spec.md §4.3).
		a.writeSlot(slot, f.Data[:])
		f.Owner.EvictToSwap(f.OwnerVA, slot)
		owner, ownerVA := f.Owner, f.OwnerVA
		f.Refcount = 0
		f.available = true
		f.Owner = nil
		f.Unlock()

		a.slots[slot].Lock()
		a.slots[slot].Available = false
		a.slots[slot].Owner = owner
		a.slots[slot].OwnerVA = ownerVA
		a.slots[slot].Refcount = 1
		a.slots[slot].Unlock()

		a.free = append(a.free, Pa(idx))
		return
	}
	// No evictable victim found; release the slot we reserved.
	a.slots[slot].Lock()
	a.slots[slot].Available = true
	a.slots[slot].Unlock()
}

func (a *Allocator) allocSlotLocked() (int, bool) {
	for i := range a.slots {
		a.slots[i].Lock()
		if a.slots[i].Available {
			a.slots[i].Available = false
			a.slots[i].Unlock()
			return i, true
		}
		a.slots[i].Unlock()
	}
	return 0, false
}

func (a *Allocator) writeSlot(slot int, data []byte) {
	base := a.swapBase + slot*BlocksPerPage
	for i := 0; i < BlocksPerPage; i++ {
		b, err := a.swapCache.Get(base + i)
		if err != 0 {
			continue
		}
		b.Lock()
		copy(b.Data[:], data[i*block.BSIZE:(i+1)*block.BSIZE])
		b.Dirty = true
		b.Unlock()
		a.swapCache.Put(b)
	}
}

// SwapIn reads the page at spn into dst, a freshly allocated frame,
// and releases the slot (spec.md §4.3 swap_in).
func (a *Allocator) SwapIn(spn int, dst Pa) defs.Err_t {
	if spn < 0 || spn >= NSwapSlots {
		return defs.EINVAL
	}
	atomic.AddInt64(&a.swapIns, 1)
	f := a.frames[dst]
	base := a.swapBase + spn*BlocksPerPage
	f.Lock()
	for i := 0; i < BlocksPerPage; i++ {
		b, err := a.swapCache.Get(base + i)
		if err != 0 {
			f.Unlock()
			return err
		}
		b.Lock()
		copy(f.Data[i*block.BSIZE:(i+1)*block.BSIZE], b.Data[:])
		b.Unlock()
	}
	f.UserFlag = true
	f.Unlock()

	a.slots[spn].Lock()
	a.slots[spn].Available = true
	a.slots[spn].Owner = nil
	a.slots[spn].Refcount = 0
	a.slots[spn].Unlock()
	return 0
}

// SwapIns returns the total number of pages read back from swap since
// boot, the signal Sysinfo_t uses to demonstrate swap activity
// occurred (spec.md §8 scenario 5).
func (a *Allocator) SwapIns() int64 {
	return atomic.LoadInt64(&a.swapIns)
}

// FreePages returns the current free-frame count, for Sysinfo_t.
func (a *Allocator) FreePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// PagesInSwap returns the number of occupied swap slots, for Sysinfo_t.
func (a *Allocator) PagesInSwap() int {
	n := 0
	for i := range a.slots {
		a.slots[i].Lock()
		if !a.slots[i].Available {
			n++
		}
		a.slots[i].Unlock()
	}
	return n
}
