// Package block implements the device block cache and the disk
// abstraction every higher layer (wal, fs) reads and writes through.
// A block is always BSIZE bytes; callers never see a raw disk offset.
package block

import (
	"fmt"
	"os"
	"sync"

	"labkernel/defs"
)

// BSIZE is the size in bytes of a single device block, matching the
// course original's fs.h rather than biscuit's own 4096-byte choice:
// 8 consecutive blocks then line up exactly with one VM page, which
// the swap-slot layout in mem depends on.
const BSIZE = 512

// Disk is the pluggable backing store a Cache reads and writes
// through. The in-memory and file-backed implementations below are
// the Go-native replacement for biscuit's AHCI/virtio drivers, which
// sit outside this kernel's scope.
type Disk interface {
	ReadAt(blockno int, buf []byte) error
	WriteAt(blockno int, buf []byte) error
	Sync() error
	Nblocks() int
}

// Buffer is a cached copy of one device block. Mutex guards Data and
// Dirty; it is the "per-buffer sleep-lock" named last in the kernel's
// lock order (spec.md §5).
type Buffer struct {
	sync.Mutex
	Blockno int
	Data    [BSIZE]byte
	Dirty   bool
	ref     int
}

// Cache is a simple direct-mapped-by-blockno cache over a Disk. It does
// not evict: the disks this kernel targets (a lab VM's virtual disk)
// are small enough that every block touched in one run comfortably
// stays resident, the same assumption biscuit's own block cache makes
// in practice despite nominally supporting eviction.
type Cache struct {
	mu     sync.Mutex
	disk   Disk
	blocks map[int]*Buffer
}

func NewCache(d Disk) *Cache {
	return &Cache{disk: d, blocks: make(map[int]*Buffer)}
}

// Get returns the cached Buffer for blockno, reading it from disk on
// first access.
func (c *Cache) Get(blockno int) (*Buffer, defs.Err_t) {
	c.mu.Lock()
	if b, ok := c.blocks[blockno]; ok {
		b.ref++
		c.mu.Unlock()
		return b, 0
	}
	b := &Buffer{Blockno: blockno}
	if err := c.disk.ReadAt(blockno, b.Data[:]); err != nil {
		c.mu.Unlock()
		return nil, defs.EINVAL
	}
	b.ref = 1
	c.blocks[blockno] = b
	c.mu.Unlock()
	return b, 0
}

// Put writes b straight through to the disk and clears its dirty flag. The
// write-ahead log (wal.Log) is the only caller permitted to bypass
// this and stage writes itself; everyone else's writes are immediate.
func (c *Cache) Put(b *Buffer) defs.Err_t {
	b.Lock()
	defer b.Unlock()
	if err := c.disk.WriteAt(b.Blockno, b.Data[:]); err != nil {
		return defs.EINVAL
	}
	b.Dirty = false
	return 0
}

// Zero clears b's contents in place without touching disk.
func (b *Buffer) Zero() {
	b.Lock()
	defer b.Unlock()
	for i := range b.Data {
		b.Data[i] = 0
	}
	b.Dirty = true
}

// MemDisk is an in-memory Disk, used by cmd/labkernel's scenarios and
// by package tests so no real file is needed.
type MemDisk struct {
	mu     sync.Mutex
	blocks [][BSIZE]byte
}

func NewMemDisk(nblocks int) *MemDisk {
	return &MemDisk{blocks: make([][BSIZE]byte, nblocks)}
}

func (m *MemDisk) ReadAt(blockno int, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blockno < 0 || blockno >= len(m.blocks) {
		return fmt.Errorf("block: %d out of range", blockno)
	}
	copy(buf, m.blocks[blockno][:])
	return nil
}

func (m *MemDisk) WriteAt(blockno int, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if blockno < 0 || blockno >= len(m.blocks) {
		return fmt.Errorf("block: %d out of range", blockno)
	}
	copy(m.blocks[blockno][:], buf)
	return nil
}

func (m *MemDisk) Sync() error { return nil }

func (m *MemDisk) Nblocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// FileDisk is a file-backed Disk, grounded on the teacher's
// ahci_disk_t (biscuit/src/ufs/driver.go), which likewise simulates a
// disk as a host file opened with os.OpenFile and seeks to blockno*BSIZE.
type FileDisk struct {
	mu sync.Mutex
	f  *os.File
	n  int
}

func OpenFileDisk(path string, nblocks int) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(nblocks) * BSIZE); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDisk{f: f, n: nblocks}, nil
}

func (d *FileDisk) ReadAt(blockno int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.ReadAt(buf, int64(blockno)*BSIZE)
	return err
}

func (d *FileDisk) WriteAt(blockno int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.WriteAt(buf, int64(blockno)*BSIZE)
	return err
}

func (d *FileDisk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

func (d *FileDisk) Nblocks() int { return d.n }

func (d *FileDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
