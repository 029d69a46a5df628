// Package proc implements the process table, fork/exec/exit/wait/kill,
// and the glue between the VM, file-descriptor, and file-system
// layers each process needs. One process maps to one goroutine,
// the natural host-Go realization of spec.md §5's "one kernel thread
// per process" — sleep/wakeup (package sched) is the only suspension
// primitive used, never a bare Go channel receive, so waiting for a
// child or a pipe byte behaves like the spec's cooperative scheduler
// rather than leaning on goroutine parking directly.
//
// Grounded on biscuit/src/accnt/accnt.go (per-process accounting,
// adapted in accnt.go) and biscuit/src/tinfo/tinfo.go's Killed/Doomed
// flags, reshaped onto Process directly since this kernel has no
// patched-runtime current-goroutine lookup to rely on (see DESIGN.md).
package proc

import (
	"sync"

	"labkernel/defs"
	"labkernel/fd"
	"labkernel/fs"
	"labkernel/limits"
	"labkernel/mem"
	"labkernel/sched"
	"labkernel/ustr"
	"labkernel/util"
	"labkernel/vm"
)

type State int

const (
	Unused State = iota
	Embryo
	Runnable
	Running
	Sleeping
	Zombie
)

// Process is one process-table slot (spec.md §3).
type Process struct {
	sync.Mutex
	Pid      defs.Pid_t
	State    State
	Parent   *Process
	Children []*Process

	Vspace *vm.AddressSpace
	Fds    *fd.Fds
	Brk    uintptr

	Killed bool
	Doomed bool

	ExitStatus int
	Acct       Accnt
}

// Table is the fixed-size process table plus the kernel resources
// every process shares: the global file table, file system, and
// physical allocator.
type Table struct {
	mu      sync.Mutex
	procs   map[defs.Pid_t]*Process
	nextPid defs.Pid_t

	Files *fd.Table
	FS    *fs.FS
	Alloc *mem.Allocator
	Wq    *sched.Waitqueue

	limit *limits.Atomic
}

func NewTable(files *fd.Table, fsys *fs.FS, alloc *mem.Allocator) *Table {
	return &Table{
		procs: make(map[defs.Pid_t]*Process),
		Files: files,
		FS:    fsys,
		Alloc: alloc,
		Wq:    sched.NewWaitqueue(),
		limit: limits.NewAtomic(defs.NPROC),
	}
}

// NewInit creates the first process, with a fresh empty address
// space and file table and no parent.
func (t *Table) NewInit() *Process {
	t.limit.Take()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextPid++
	p := &Process{
		Pid:    t.nextPid,
		State:  Runnable,
		Vspace: vm.NewAddressSpace(t.Alloc),
		Fds:    fd.NewFds(defs.NOFILE),
		Brk:    vm.HeapBase,
	}
	t.procs[p.Pid] = p
	return p
}

// Fork allocates a child process, COW-copies the parent's address
// space, duplicates open files, and links parent/child (spec.md §4.8).
func (t *Table) Fork(parent *Process) (*Process, defs.Err_t) {
	if !t.limit.Take() {
		return nil, defs.EAGAIN
	}
	t.mu.Lock()
	t.nextPid++
	pid := t.nextPid
	t.mu.Unlock()

	child := &Process{
		Pid:    pid,
		State:  Embryo,
		Parent: parent,
	}
	child.Vspace = vm.NewAddressSpace(t.Alloc)
	vm.ShallowCopy(child.Vspace, parent.Vspace)
	child.Fds = parent.Fds.Fork(t.Files)
	parent.Lock()
	child.Brk = parent.Brk
	parent.Unlock()

	t.mu.Lock()
	t.procs[pid] = child
	t.mu.Unlock()

	parent.Lock()
	parent.Children = append(parent.Children, child)
	parent.Unlock()

	child.Lock()
	child.State = Runnable
	child.Unlock()

	return child, 0
}

// Exec replaces p's address space with a freshly loaded ELF binary
// (spec.md §4.8). argv is laid out bottom-up on the new stack:
// strings first, then a pointer array with a trailing null, matching
// the original lab's convention.
func (t *Table) Exec(p *Process, path string, argv []string) (entry uintptr, err defs.Err_t) {
	ip, err := t.FS.Namei(ustr.Ustr(path))
	if err != 0 {
		return 0, err
	}
	newVs := vm.NewAddressSpace(t.Alloc)
	entry, err = vm.LoadElf(newVs, ip)
	if err != 0 {
		return 0, err
	}
	top := uintptr(vm.SZ2G)
	if err := newVs.InitStack(top); err != 0 {
		return 0, err
	}
	if err := layoutArgv(newVs, top, argv); err != 0 {
		return 0, err
	}

	p.Lock()
	old := p.Vspace
	p.Vspace = newVs
	p.Brk = vm.HeapBase
	p.Unlock()

	old.Teardown()
	return entry, 0
}

// Sbrk grows or shrinks p's heap by delta bytes, rounding the mapped
// region up to whole pages, and returns the heap break before the
// change (spec.md §4.4 "brk-style heap growth").
func (t *Table) Sbrk(p *Process, delta int) (uintptr, defs.Err_t) {
	p.Lock()
	oldBrk := p.Brk
	newBrk := oldBrk + uintptr(delta)
	if int64(newBrk) < int64(vm.HeapBase) {
		p.Unlock()
		return 0, defs.EINVAL
	}
	p.Brk = newBrk
	vs := p.Vspace
	p.Unlock()

	oldPage := util.Roundup(oldBrk, uintptr(vm.PGSIZE))
	newPage := util.Roundup(newBrk, uintptr(vm.PGSIZE))
	switch {
	case newPage > oldPage:
		if err := vs.AddMap(vm.Heap, oldPage, int(newPage-oldPage), true); err != 0 {
			p.Lock()
			p.Brk = oldBrk
			p.Unlock()
			return 0, err
		}
	case newPage < oldPage:
		vs.DelMap(vm.Heap, newPage, int(oldPage-newPage))
	}
	return oldBrk, 0
}

// layoutArgv writes argv strings then a null-terminated pointer array
// just below the stack top, in the order spec.md §4.8 describes.
func layoutArgv(vs *vm.AddressSpace, top uintptr, argv []string) defs.Err_t {
	cursor := top
	ptrs := make([]uintptr, 0, len(argv))
	for _, s := range argv {
		b := append([]byte(s), 0)
		cursor -= uintptr(len(b))
		if err := vs.WriteVA(cursor, b); err != 0 {
			return err
		}
		ptrs = append(ptrs, cursor)
	}
	cursor &^= 7 // align the pointer array
	cursor -= uintptr(len(ptrs)+1) * 8
	for i, p := range ptrs {
		var buf [8]byte
		putU64(buf[:], uint64(p))
		if err := vs.WriteVA(cursor+uintptr(i)*8, buf[:]); err != 0 {
			return err
		}
	}
	var zero [8]byte
	vs.WriteVA(cursor+uintptr(len(ptrs))*8, zero[:])
	return 0
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// Exit closes every fd, reparents children to init, wakes the parent,
// and becomes a zombie for the parent to reap (spec.md §4.8).
func (t *Table) Exit(p *Process, status int, init *Process) {
	for _, entry := range p.Fds.All() {
		t.Files.Close(entry.Slot, entry.File, func(ip *fs.Inode) { t.FS.Release(ip) })
	}

	p.Lock()
	kids := p.Children
	p.Children = nil
	p.Unlock()

	if init != nil {
		for _, k := range kids {
			k.Lock()
			k.Parent = init
			k.Unlock()
			init.Lock()
			init.Children = append(init.Children, k)
			init.Unlock()
		}
		t.Wq.Wakeup(init)
	}

	p.Lock()
	p.State = Zombie
	p.ExitStatus = status
	parent := p.Parent
	p.Unlock()

	if parent != nil {
		t.Wq.Wakeup(parent)
	}
}

// Wait scans for a zombie child of p, reaps it, and returns its pid
// and exit status; if none exists yet, it sleeps on p itself (Open
// Question (b) in spec.md §9 / DESIGN.md).
func (t *Table) Wait(p *Process) (defs.Pid_t, int, defs.Err_t) {
	p.Lock()
	for {
		for i, c := range p.Children {
			c.Lock()
			if c.State == Zombie {
				pid, status := c.Pid, c.ExitStatus
				c.Unlock()
				p.Children = append(p.Children[:i], p.Children[i+1:]...)
				p.Unlock()
				t.mu.Lock()
				delete(t.procs, pid)
				t.mu.Unlock()
				t.limit.Give()
				return pid, status, 0
			}
			c.Unlock()
		}
		if len(p.Children) == 0 {
			p.Unlock()
			return 0, 0, defs.ECHILD
		}
		t.Wq.Sleep(p, p)
	}
}

// Kill flips p's killed flag and wakes it if it is sleeping, so the
// next sleep/wake or return-to-user check observes it (spec.md §4.7).
func (t *Table) Kill(p *Process) {
	p.Lock()
	p.Killed = true
	p.Unlock()
	t.Wq.Wakeup(p)
}

// IsKilled reports p's killed flag, the check every blocking
// operation (pipe read/write, wait) must perform on each wakeup.
func (p *Process) IsKilled() bool {
	p.Lock()
	defer p.Unlock()
	return p.Killed
}
