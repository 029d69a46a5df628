// Package vm implements the virtual address space: per-process
// page-info arrays across three regions (code, heap, user stack),
// copy-on-write fork, swap-aware fault handling, and ELF loading.
// There is no real MMU to program on a hosted Go binary, so what the
// teacher's vm/as.go drives through a hardware Pmap_t this package
// drives entirely through the VPI bookkeeping the spec already
// requires — retarget here re-points frame owners rather than
// invalidating hardware PTEs, but the state machine (present/cow/swapped,
// shallow vs. deep copy, re-entrant single-frame fault resolution) is
// the same one biscuit's Sys_pgfault implements.
package vm

import (
	"debug/elf"
	"io"
	"sync"

	"labkernel/defs"
	"labkernel/fs"
	"labkernel/mem"
)

// PGSHIFT/PGSIZE mirror mem's page size.
const (
	PGSHIFT = 12
	PGSIZE  = mem.PGSIZE
)

// SZ2G is the base of the user stack region, growing down from 2 GiB
// (spec.md §3 "Virtual region").
const SZ2G = 1 << 31

// HeapBase is the fixed split point between the code and heap regions.
const HeapBase = 1 << 30

// MaxStackPages caps on-demand stack growth (spec.md §4.5).
const MaxStackPages = 10

// Direction is which way a region's VPIs are indexed relative to its
// base address.
type Direction int

const (
	Up Direction = iota
	Down
)

// RegionKind names the three fixed regions of a user address space.
type RegionKind int

const (
	Code RegionKind = iota
	Heap
	Stack
)

// VPI is the per-user-page software page-table entry (spec.md §3).
// present=1 ∧ swapped=0 (resident), present=0 ∧ swapped=1 (on swap),
// or neither (unused). cow=1 implies writable=0 and a shared frame.
type VPI struct {
	Used     bool
	Present  bool
	Writable bool
	Cow      bool
	Swapped  bool
	Ppn      mem.Pa
	Spn      int
	accessed bool
}

// Region is one of the three virtual regions making up an address
// space: a direction, a base, a size, and its VPIs indexed by page
// number relative to the base.
type Region struct {
	Kind  RegionKind
	Dir   Direction
	Base  uintptr
	pages map[int]*VPI
}

func newRegion(kind RegionKind, dir Direction, base uintptr) *Region {
	return &Region{Kind: kind, Dir: dir, Base: base, pages: make(map[int]*VPI)}
}

// index converts a virtual address to this region's page-number key,
// per spec.md §3: `(va-base)>>12` going up, `(base-1-va)>>12` going down.
func (r *Region) index(va uintptr) int {
	if r.Dir == Up {
		return int((va - r.Base) >> PGSHIFT)
	}
	return int((r.Base - 1 - va) >> PGSHIFT)
}

func (r *Region) vaOf(idx int) uintptr {
	if r.Dir == Up {
		return r.Base + uintptr(idx)<<PGSHIFT
	}
	return r.Base - 1 - uintptr(idx)<<PGSHIFT
}

// AddressSpace is a process's virtual memory: the three regions plus
// the allocator it draws frames from. It implements mem.Owner so the
// allocator's clock scan can evict its pages without importing vm.
type AddressSpace struct {
	sync.Mutex

	alloc *mem.Allocator
	code  *Region
	heap  *Region
	stack *Region
}

// NewAddressSpace lays out the three regions per spec.md §3: CODE from
// 0 growing up, HEAP just past code growing up, USTACK from SZ2G
// growing down.
func NewAddressSpace(a *mem.Allocator) *AddressSpace {
	return &AddressSpace{
		alloc: a,
		code:  newRegion(Code, Up, 0),
		heap:  newRegion(Heap, Up, HeapBase), // fixed split point past code
		stack: newRegion(Stack, Down, SZ2G),
	}
}

func (as *AddressSpace) regionFor(va uintptr) (*Region, bool) {
	if va >= as.stack.Base-uintptr(MaxStackPages)*PGSIZE && va < as.stack.Base {
		return as.stack, true
	}
	if va < as.heap.Base {
		return as.code, true
	}
	return as.heap, true
}

// vpiAt returns the VPI for va in region r, allocating the map entry
// lazily (the "chained list of fixed-capacity nodes" of spec.md §3 is
// realized here as a plain Go map, since this kernel never runs on
// constrained freestanding memory).
func (r *Region) vpiAt(va uintptr) *VPI {
	idx := r.index(va)
	v, ok := r.pages[idx]
	if !ok {
		v = &VPI{}
		r.pages[idx] = v
	}
	return v
}

// AddMap allocates one frame per page covering [base, base+sz) in
// region kind, filling each VPI and setting its frame refcount to 1.
func (as *AddressSpace) AddMap(kind RegionKind, base uintptr, sz int, writable bool) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	r := as.regionByKind(kind)
	npages := (sz + PGSIZE - 1) / PGSIZE
	for i := 0; i < npages; i++ {
		va := base + uintptr(i)*PGSIZE
		pa, err := as.alloc.Alloc()
		if err != 0 {
			return err
		}
		f := as.alloc.Frame(pa)
		f.Lock()
		f.UserFlag = true
		f.Owner = as
		f.OwnerVA = va
		f.Unlock()

		v := r.vpiAt(va)
		v.Used = true
		v.Present = true
		v.Writable = writable
		v.Cow = false
		v.Swapped = false
		v.Ppn = pa
	}
	return 0
}

// DelMap tears down [base, base+sz) in region kind, freeing every
// resident frame and dropping swap slots for any swapped pages.
func (as *AddressSpace) DelMap(kind RegionKind, base uintptr, sz int) {
	as.Lock()
	defer as.Unlock()
	r := as.regionByKind(kind)
	npages := (sz + PGSIZE - 1) / PGSIZE
	for i := 0; i < npages; i++ {
		va := base + uintptr(i)*PGSIZE
		idx := r.index(va)
		v, ok := r.pages[idx]
		if !ok || !v.Used {
			continue
		}
		if v.Present {
			as.alloc.Free(v.Ppn)
		}
		delete(r.pages, idx)
	}
}

func (as *AddressSpace) regionByKind(kind RegionKind) *Region {
	switch kind {
	case Code:
		return as.code
	case Heap:
		return as.heap
	default:
		return as.stack
	}
}

// InitStack maps one page at top-PGSIZE, the initial user stack page
// (spec.md §4.4).
func (as *AddressSpace) InitStack(top uintptr) defs.Err_t {
	return as.AddMap(Stack, top-PGSIZE, PGSIZE, true)
}

// Teardown frees every resident frame across all three regions, used
// when exec() discards the old address space or a process exits
// (spec.md §4.8 Uvmfree equivalent).
func (as *AddressSpace) Teardown() {
	as.Lock()
	defer as.Unlock()
	for _, r := range []*Region{as.code, as.heap, as.stack} {
		for _, v := range r.pages {
			if v.Present {
				as.alloc.Free(v.Ppn)
			}
		}
		r.pages = make(map[int]*VPI)
	}
}

// ShallowCopy clones every VPI from src into dst, marking both copies
// cow=1/writable=0 and bumping the underlying frame's (or swap slot's)
// refcount — the COW-enabling half of fork() (spec.md §4.4/§4.8).
func ShallowCopy(dst, src *AddressSpace) {
	src.Lock()
	defer src.Unlock()
	dst.Lock()
	defer dst.Unlock()

	for _, pair := range []struct{ d, s *Region }{
		{dst.code, src.code}, {dst.heap, src.heap}, {dst.stack, src.stack},
	} {
		for idx, sv := range pair.s.pages {
			nv := &VPI{Used: sv.Used, Present: sv.Present, Swapped: sv.Swapped, Spn: sv.Spn, Ppn: sv.Ppn}
			if sv.Present {
				sv.Cow = true
				sv.Writable = false
				nv.Cow = true
				nv.Writable = false
				src.alloc.Refup(sv.Ppn)
			}
			pair.d.pages[idx] = nv
		}
	}
	dst.retarget()
}

// DeepCopy clones src into dst with freshly allocated, independently
// writable frames (used where sharing would be unsafe, e.g. exec
// argument staging).
func DeepCopy(dst, src *AddressSpace) defs.Err_t {
	src.Lock()
	dst.Lock()
	defer func() { dst.Unlock(); src.Unlock() }()

	for _, pair := range []struct{ d, s *Region }{
		{dst.code, src.code}, {dst.heap, src.heap}, {dst.stack, src.stack},
	} {
		for idx, sv := range pair.s.pages {
			if !sv.Present {
				pair.d.pages[idx] = &VPI{Used: sv.Used, Swapped: sv.Swapped, Spn: sv.Spn}
				continue
			}
			pa, err := dst.alloc.Alloc()
			if err != 0 {
				return err
			}
			sf := src.alloc.Frame(sv.Ppn)
			df := dst.alloc.Frame(pa)
			sf.Lock()
			df.Lock()
			df.Data = sf.Data
			df.UserFlag = true
			df.Owner = dst
			df.OwnerVA = pair.s.vaOf(idx)
			df.Unlock()
			sf.Unlock()
			pair.d.pages[idx] = &VPI{Used: true, Present: true, Writable: true, Ppn: pa}
		}
	}
	return 0
}

// retarget fixes up each resident frame's Owner/OwnerVA to point back
// at this address space after a copy, so future eviction rewrites the
// right VPI (the Go-native analogue of Invalidate's hardware-PTE
// reinstall in spec.md §4.4).
func (as *AddressSpace) retarget() {
	for _, r := range []*Region{as.code, as.heap, as.stack} {
		for idx, v := range r.pages {
			if !v.Present {
				continue
			}
			f := as.alloc.Frame(v.Ppn)
			f.Lock()
			f.Owner = as
			f.OwnerVA = r.vaOf(idx)
			f.Unlock()
		}
	}
}

// HandleFault resolves a page fault at va for a write access iff
// wantWrite is set, following the branch order of spec.md §4.5.
// Returns true if the process should be killed.
func (as *AddressSpace) HandleFault(va uintptr, wantWrite bool) (killed bool, err defs.Err_t) {
	as.Lock()
	defer as.Unlock()

	r, ok := as.regionFor(va)
	if !ok {
		return true, 0
	}
	v := r.vpiAt(va)

	if v.Swapped {
		pa, aerr := as.alloc.Alloc()
		if aerr != 0 {
			return false, aerr
		}
		spn := v.Spn
		if serr := as.alloc.SwapIn(spn, pa); serr != 0 {
			return false, serr
		}
		v.Present = true
		v.Swapped = false
		v.Ppn = pa
		v.Spn = 0
		f := as.alloc.Frame(pa)
		f.Lock()
		f.Owner = as
		f.OwnerVA = r.vaOf(r.index(va))
		f.Unlock()
		return false, 0
	}

	if v.Present && v.Cow {
		frame := as.alloc.Frame(v.Ppn)
		frame.Lock()
		shared := frame.Refcount > 1
		frame.Unlock()

		if shared {
			pa, aerr := as.alloc.Alloc()
			if aerr != 0 {
				return false, aerr
			}
			newf := as.alloc.Frame(pa)
			frame.Lock()
			newf.Lock()
			newf.Data = frame.Data
			newf.Owner = as
			newf.OwnerVA = r.vaOf(r.index(va))
			newf.Unlock()
			frame.Unlock()

			as.alloc.Free(v.Ppn)
			v.Ppn = pa
			v.Writable = true
			v.Cow = false
			return false, 0
		}
		// refcount==1: promote in place, no copy needed.
		v.Writable = true
		v.Cow = false
		return false, 0
	}

	if wantWrite && r.Kind == Stack {
		used := 0
		for _, sv := range as.stack.pages {
			if sv.Used {
				used++
			}
		}
		if used < MaxStackPages {
			pa, aerr := as.alloc.Alloc()
			if aerr != 0 {
				return false, aerr
			}
			f := as.alloc.Frame(pa)
			f.Lock()
			f.UserFlag = true
			f.Owner = as
			f.OwnerVA = r.vaOf(r.index(va))
			f.Unlock()
			v.Used = true
			v.Present = true
			v.Writable = true
			v.Ppn = pa
			return false, 0
		}
	}

	return true, 0
}

// --- mem.Owner implementation -------------------------------------

func (as *AddressSpace) findVPI(va mem.Va) (*Region, *VPI, bool) {
	r, ok := as.regionFor(uintptr(va))
	if !ok {
		return nil, nil, false
	}
	idx := r.index(uintptr(va))
	v, ok := r.pages[idx]
	return r, v, ok
}

func (as *AddressSpace) Accessed(va mem.Va) bool {
	as.Lock()
	defer as.Unlock()
	_, v, ok := as.findVPI(va)
	if !ok {
		return false
	}
	a := v.accessed
	v.accessed = false
	return a
}

func (as *AddressSpace) EvictToSwap(va mem.Va, slot int) {
	as.Lock()
	defer as.Unlock()
	_, v, ok := as.findVPI(va)
	if !ok {
		return
	}
	v.Present = false
	v.Swapped = true
	v.Spn = slot
	v.Ppn = 0
}

func (as *AddressSpace) SwapIn(va mem.Va, frame mem.Pa) {
	as.Lock()
	defer as.Unlock()
	_, v, ok := as.findVPI(va)
	if !ok {
		return
	}
	v.Present = true
	v.Swapped = false
	v.Ppn = frame
}

// Touch marks va as accessed, called on every read/write through
// ReadVA/WriteVA — the software stand-in for the hardware accessed bit.
func (as *AddressSpace) Touch(va uintptr) {
	r, ok := as.regionFor(va)
	if !ok {
		return
	}
	idx := r.index(va)
	if v, ok := r.pages[idx]; ok {
		v.accessed = true
	}
}

// ReadVA copies n bytes starting at va out of this address space,
// resolving faults (swap-in, COW) as needed first.
func (as *AddressSpace) ReadVA(va uintptr, n int) ([]byte, defs.Err_t) {
	out := make([]byte, 0, n)
	for len(out) < n {
		pageva := va &^ (PGSIZE - 1)
		off := int(va) - int(pageva)
		as.Lock()
		r, ok := as.regionFor(va)
		if !ok {
			as.Unlock()
			return nil, defs.EFAULT
		}
		v := r.vpiAt(pageva)
		as.Unlock()
		if !v.Present {
			if killed, err := as.HandleFault(va, false); killed || err != 0 {
				return nil, defs.EFAULT
			}
			as.Lock()
			v = r.vpiAt(pageva)
			as.Unlock()
		}
		as.Touch(pageva)
		f := as.alloc.Frame(v.Ppn)
		f.Lock()
		take := PGSIZE - off
		if take > n-len(out) {
			take = n - len(out)
		}
		out = append(out, f.Data[off:off+take]...)
		f.Unlock()
		va += uintptr(take)
	}
	return out, 0
}

// WriteVA writes data into this address space starting at va,
// resolving write faults (COW copy, stack growth) first.
func (as *AddressSpace) WriteVA(va uintptr, data []byte) defs.Err_t {
	written := 0
	for written < len(data) {
		cur := va + uintptr(written)
		pageva := cur &^ (PGSIZE - 1)
		off := int(cur) - int(pageva)

		as.Lock()
		r, ok := as.regionFor(cur)
		as.Unlock()
		if !ok {
			return defs.EFAULT
		}
		v := r.vpiAt(pageva)
		if !v.Present || v.Cow || !v.Writable {
			if killed, err := as.HandleFault(cur, true); killed {
				return defs.EFAULT
			} else if err != 0 {
				return err
			}
		}
		as.Touch(pageva)
		f := as.alloc.Frame(v.Ppn)
		f.Lock()
		take := PGSIZE - off
		if take > len(data)-written {
			take = len(data) - written
		}
		copy(f.Data[off:off+take], data[written:written+take])
		f.Unlock()
		written += take
	}
	return 0
}

// LoadElf parses an ELF binary read from an inode via fs.Inode and
// maps each PT_LOAD segment, copying its bytes in eagerly — demand
// paging of code from the file system is an explicit non-goal, so
// there is no later page-in path to wire this into.
func LoadElf(as *AddressSpace, ip *fs.Inode) (entry uintptr, err defs.Err_t) {
	data, e := fs.ReadWhole(ip)
	if e != 0 {
		return 0, e
	}
	f, ferr := elf.NewFile(byteReaderAt{data})
	if ferr != nil {
		return 0, defs.EINVAL
	}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		base := uintptr(prog.Vaddr) &^ (PGSIZE - 1)
		sz := int(prog.Vaddr-uint64(base)) + int(prog.Memsz)
		writable := prog.Flags&elf.PF_W != 0
		if err := as.AddMap(Code, base, sz, true); err != 0 {
			return 0, err
		}
		buf := make([]byte, prog.Filesz)
		if _, rerr := prog.ReadAt(buf, 0); rerr != nil {
			return 0, defs.EINVAL
		}
		if werr := as.WriteVA(uintptr(prog.Vaddr), buf); werr != 0 {
			return 0, werr
		}
		if !writable {
			// Re-lock down to read-only now that the segment is staged.
			for pva := base; pva < base+uintptr(sz); pva += PGSIZE {
				if v, ok := as.code.pages[as.code.index(pva)]; ok {
					v.Writable = false
				}
			}
		}
	}
	return uintptr(f.Entry), 0
}

type byteReaderAt struct{ b []byte }

func (r byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.b)) {
		return 0, io.EOF
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
