// Package fd implements the global open-file table, per-process file
// descriptor arrays, and blocking pipes. Grounded on
// biscuit/src/fd/fd.go's Fd_t/Copyfd (shared-slot duplication) and
// biscuit/src/circbuf/circbuf.go's ring buffer, generalized to the
// fixed 2048-byte pipe buffer spec.md §3/§4.9 specifies.
package fd

import (
	"sync"

	"labkernel/defs"
	"labkernel/fs"
	"labkernel/sched"
)

// Kind distinguishes what an open-file-table entry refers to.
type Kind int

const (
	KindDisk Kind = iota
	KindPipe
)

// PipeSize is the fixed ring-buffer capacity (spec.md §3).
const PipeSize = 2048

// Pipe is a blocking byte ring buffer shared by a read end and a
// write end. Ring indices are unbounded counters, wrapped modulo
// PipeSize on access (spec.md §3 invariant: 0 ≤ tail-front ≤ PipeSize).
type Pipe struct {
	mu         sync.Mutex
	buf        [PipeSize]byte
	front, back int
	readers     int
	writers     int
	wq          *sched.Waitqueue
}

func newPipe() *Pipe {
	return &Pipe{readers: 1, writers: 1, wq: sched.NewWaitqueue()}
}

// readKey/writeKey give the pipe two distinct wait channels, so a
// wakeup aimed at readers never spuriously wakes a blocked writer.
func (p *Pipe) readKey() any  { return &p.front }
func (p *Pipe) writeKey() any { return &p.back }

// Read blocks while the buffer is empty and the write end is still
// open, consuming up to len(dst) bytes (spec.md §4.9).
func (p *Pipe) Read(dst []byte, killed func() bool) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.back == p.front && p.writers > 0 {
		if killed() {
			return 0, defs.EINVAL
		}
		p.wq.Sleep(p.readKey(), &p.mu)
	}
	n := 0
	for n < len(dst) && p.front < p.back {
		dst[n] = p.buf[p.front%PipeSize]
		p.front++
		n++
	}
	if n > 0 {
		p.wq.Wakeup(p.writeKey())
	}
	return n, 0
}

// Write blocks while the buffer is full and the read end is still
// open, producing up to len(src) bytes (spec.md §4.9).
func (p *Pipe) Write(src []byte, killed func() bool) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readers == 0 {
		return 0, defs.EPIPE
	}
	n := 0
	for n < len(src) {
		for p.back-p.front == PipeSize && p.readers > 0 {
			if killed() {
				return n, defs.EINVAL
			}
			p.wq.Sleep(p.writeKey(), &p.mu)
		}
		if p.readers == 0 {
			return n, defs.EPIPE
		}
		p.buf[p.back%PipeSize] = src[n]
		p.back++
		n++
	}
	p.wq.Wakeup(p.readKey())
	return n, 0
}

// CloseRead/CloseWrite drop one reference on the corresponding end;
// at zero, wakes the peer so it observes EOF/EPIPE instead of
// blocking forever.
func (p *Pipe) CloseRead() {
	p.mu.Lock()
	p.readers--
	done := p.readers == 0
	p.mu.Unlock()
	if done {
		p.wq.Wakeup(p.writeKey())
	}
}

func (p *Pipe) CloseWrite() {
	p.mu.Lock()
	p.writers--
	done := p.writers == 0
	p.mu.Unlock()
	if done {
		p.wq.Wakeup(p.readKey())
	}
}

// File is one slot in the global open-file table (spec.md §3 "Open
// file entry"). The offset of a disk file is shared across every fd
// referring to the same slot; fork/dup only bump Refcount.
type File struct {
	mu       sync.Mutex
	Refcount int
	Kind     Kind
	Inode    *fs.Inode
	Offset   int
	Mode     int
	Pipe     *Pipe
	PipeEnd  int // 0 = read end, 1 = write end
}

// Table is the fixed-size global open-file table.
type Table struct {
	mu    sync.Mutex
	slots []*File
}

func NewTable(nfile int) *Table {
	return &Table{slots: make([]*File, nfile)}
}

// Open installs a new File entry referencing ip, returning its global
// slot index.
func (t *Table) Open(ip *fs.Inode, mode int) (int, *File, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			f := &File{Refcount: 1, Kind: KindDisk, Inode: ip, Mode: mode}
			t.slots[i] = f
			return i, f, 0
		}
	}
	return 0, nil, defs.ENFILE
}

// OpenPipe installs a connected read/write pair of File entries
// sharing one Pipe, returning their global slot indices.
func (t *Table) OpenPipe() (rfd, wfd int, rf, wf *File, err defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := newPipe()
	idxs := make([]int, 0, 2)
	for i, s := range t.slots {
		if s == nil {
			idxs = append(idxs, i)
			if len(idxs) == 2 {
				break
			}
		}
	}
	if len(idxs) < 2 {
		return 0, 0, nil, nil, defs.ENFILE
	}
	rf = &File{Refcount: 1, Kind: KindPipe, Pipe: p, PipeEnd: 0, Mode: defs.O_RDONLY}
	wf = &File{Refcount: 1, Kind: KindPipe, Pipe: p, PipeEnd: 1, Mode: defs.O_WRONLY}
	t.slots[idxs[0]] = rf
	t.slots[idxs[1]] = wf
	return idxs[0], idxs[1], rf, wf, 0
}

// Dup bumps f's refcount, for fork/dup (spec.md §4.9).
func (t *Table) Dup(f *File) {
	f.mu.Lock()
	f.Refcount++
	f.mu.Unlock()
}

// Close drops one reference on f; at zero, releases the underlying
// inode or wakes the pipe's peer end.
func (t *Table) Close(slot int, f *File, release func(*fs.Inode)) {
	f.mu.Lock()
	f.Refcount--
	done := f.Refcount <= 0
	f.mu.Unlock()
	if !done {
		return
	}
	switch f.Kind {
	case KindDisk:
		release(f.Inode)
	case KindPipe:
		if f.PipeEnd == 0 {
			f.Pipe.CloseRead()
		} else {
			f.Pipe.CloseWrite()
		}
	}
	t.mu.Lock()
	t.slots[slot] = nil
	t.mu.Unlock()
}

// Fds is a process's per-fd array of pointers into the global table
// (spec.md §3 "per-process fd table is an array of pointers").
type Fds struct {
	mu    sync.Mutex
	slots []int // global table index, -1 if unused
	files []*File
}

func NewFds(nofile int) *Fds {
	slots := make([]int, nofile)
	for i := range slots {
		slots[i] = -1
	}
	return &Fds{slots: slots, files: make([]*File, nofile)}
}

// Install binds a free per-process fd to (globalSlot, f), returning
// the fd number.
func (fds *Fds) Install(globalSlot int, f *File) (int, defs.Err_t) {
	fds.mu.Lock()
	defer fds.mu.Unlock()
	for i, s := range fds.slots {
		if s == -1 {
			fds.slots[i] = globalSlot
			fds.files[i] = f
			return i, 0
		}
	}
	return 0, defs.EMFILE
}

// Get returns the File bound to fdnum, or EBADF.
func (fds *Fds) Get(fdnum int) (*File, int, defs.Err_t) {
	fds.mu.Lock()
	defer fds.mu.Unlock()
	if fdnum < 0 || fdnum >= len(fds.slots) || fds.slots[fdnum] == -1 {
		return nil, 0, defs.EBADF
	}
	return fds.files[fdnum], fds.slots[fdnum], 0
}

// Clear unbinds fdnum, returning the File and global slot that were
// bound there so the caller can drop the reference via Table.Close.
func (fds *Fds) Clear(fdnum int) (*File, int, defs.Err_t) {
	fds.mu.Lock()
	defer fds.mu.Unlock()
	if fdnum < 0 || fdnum >= len(fds.slots) || fds.slots[fdnum] == -1 {
		return nil, 0, defs.EBADF
	}
	f, slot := fds.files[fdnum], fds.slots[fdnum]
	fds.slots[fdnum] = -1
	fds.files[fdnum] = nil
	return f, slot, 0
}

// Fork copies every bound fd into a new Fds for a child process,
// bumping each referenced File's refcount (spec.md §4.8 fork()).
func (fds *Fds) Fork(t *Table) *Fds {
	fds.mu.Lock()
	defer fds.mu.Unlock()
	nf := NewFds(len(fds.slots))
	for i, s := range fds.slots {
		if s == -1 {
			continue
		}
		nf.slots[i] = s
		nf.files[i] = fds.files[i]
		t.Dup(fds.files[i])
	}
	return nf
}

// All returns every (fdnum, globalSlot, File) triple currently bound,
// for exit()'s close-everything pass.
func (fds *Fds) All() []struct {
	Fdnum int
	Slot  int
	File  *File
} {
	fds.mu.Lock()
	defer fds.mu.Unlock()
	var out []struct {
		Fdnum int
		Slot  int
		File  *File
	}
	for i, s := range fds.slots {
		if s != -1 {
			out = append(out, struct {
				Fdnum int
				Slot  int
				File  *File
			}{i, s, fds.files[i]})
		}
	}
	return out
}
