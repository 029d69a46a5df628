// Package fs implements the on-disk file system: a superblock, an
// inode-file indexed by inode number, extent-mapped file I/O, a
// bitmap block allocator, one-level directories, and a `/`-rooted
// path resolver. All mutating operations stage their block writes
// through a wal.Log transaction, the same "every write goes through
// the log, then commit()" discipline spec.md §4.6 describes.
//
// Grounded on biscuit/src/ufs/ufs.go's Fs_open/Fs_mkdir/Fs_sync naming
// and biscuit/src/fs/super.go's fixed-field superblock accessors,
// generalized from biscuit's own extent-free inode format to the
// 7-extent layout spec.md requires (matching original_source's
// inc/fs.h).
package fs

import (
	"sync"

	"labkernel/block"
	"labkernel/defs"
	"labkernel/hashtable"
	"labkernel/ustr"
	"labkernel/util"
	"labkernel/wal"
)

const (
	NExtents   = 7
	ChunkBlks  = 8 // one extent group is 8 blocks = one page
	ChunkBytes = ChunkBlks * block.BSIZE
)

// Superblock fields, encoded the way biscuit/src/fs/super.go encodes
// its own fixed-layout fields: one uint32 per field at a fixed offset.
const (
	sbSize       = 0
	sbNblocks    = 4
	sbBmapstart  = 8
	sbInodestart = 12
	sbSwapstart  = 16
	sbLogstart   = 20
	sbLen        = 24
)

type Superblock struct {
	Size       int
	Nblocks    int
	Bmapstart  int
	Inodestart int
	Swapstart  int
	Logstart   int
}

func ReadSuperblock(c *block.Cache, blockno int) (Superblock, defs.Err_t) {
	b, err := c.Get(blockno)
	if err != 0 {
		return Superblock{}, err
	}
	b.Lock()
	defer b.Unlock()
	return Superblock{
		Size:       int(util.Readn32(b.Data[:], sbSize)),
		Nblocks:    int(util.Readn32(b.Data[:], sbNblocks)),
		Bmapstart:  int(util.Readn32(b.Data[:], sbBmapstart)),
		Inodestart: int(util.Readn32(b.Data[:], sbInodestart)),
		Swapstart:  int(util.Readn32(b.Data[:], sbSwapstart)),
		Logstart:   int(util.Readn32(b.Data[:], sbLogstart)),
	}, 0
}

func WriteSuperblock(c *block.Cache, blockno int, sb Superblock) defs.Err_t {
	b, err := c.Get(blockno)
	if err != 0 {
		return err
	}
	b.Lock()
	util.Writen32(b.Data[:], sbSize, uint32(sb.Size))
	util.Writen32(b.Data[:], sbNblocks, uint32(sb.Nblocks))
	util.Writen32(b.Data[:], sbBmapstart, uint32(sb.Bmapstart))
	util.Writen32(b.Data[:], sbInodestart, uint32(sb.Inodestart))
	util.Writen32(b.Data[:], sbSwapstart, uint32(sb.Swapstart))
	util.Writen32(b.Data[:], sbLogstart, uint32(sb.Logstart))
	b.Dirty = true
	b.Unlock()
	return c.Put(b)
}

// Extent is a run of contiguous device blocks.
type Extent struct {
	Start  int
	Nblock int
}

// Inode is the in-memory inode: the on-disk fields plus a refcount
// and a sleep-lock (spec.md §3).
type Inode struct {
	sync.Mutex
	Inum     int
	Refcount int
	Type     int
	Devid    int
	Size     int
	Extents  [NExtents]Extent

	fs *FS
}

// on-disk inode layout: type(4) devid(4) size(4) then 7*(start(4)+n(4)).
const diskInodeSize = 4 + 4 + 4 + NExtents*8

// FS ties together the superblock, block cache, log, and inode cache.
// The inode cache is a hashtable.Hashtable_t keyed by inum rather than
// a plain map guarded by FS's own lock: lookups of already-cached
// inodes take no lock inside Get, not a single FS-wide mutex, and
// refcounting is serialized by each Inode's own
// embedded sync.Mutex instead.
type FS struct {
	sb    Superblock
	c     *block.Cache
	log   *wal.Log
	cache *hashtable.Hashtable_t

	root *Inode
}

// Boot opens an existing file system image: reads the superblock,
// recovers any pending transaction, and caches the root inode (inum 1).
func Boot(c *block.Cache, sbBlockno int) (*FS, defs.Err_t) {
	sb, err := ReadSuperblock(c, sbBlockno)
	if err != 0 {
		return nil, err
	}
	f := &FS{sb: sb, c: c, log: wal.New(c, sb.Logstart), cache: hashtable.MkHash(inodeCacheBuckets)}
	if err := f.log.Recover(); err != 0 {
		return nil, err
	}
	root, err := f.getInode(1)
	if err != 0 {
		return nil, err
	}
	f.root = root
	return f, 0
}

// MkFS initializes a brand-new image in place: writes the superblock,
// zeroes the bitmap, and creates the root directory inode.
func MkFS(c *block.Cache, sbBlockno, nblocks, bmapstart, inodestart, swapstart, logstart int) (*FS, defs.Err_t) {
	sb := Superblock{
		Size: nblocks, Nblocks: nblocks, Bmapstart: bmapstart,
		Inodestart: inodestart, Swapstart: swapstart, Logstart: logstart,
	}
	if err := WriteSuperblock(c, sbBlockno, sb); err != 0 {
		return nil, err
	}
	f := &FS{sb: sb, c: c, log: wal.New(c, sb.Logstart), cache: hashtable.MkHash(inodeCacheBuckets)}

	root := &Inode{Inum: 1, Refcount: 1, Type: defs.T_DIR, fs: f}
	if err := f.writeInodeRaw(root); err != 0 {
		return nil, err
	}
	f.cache.Set(root.Inum, root)
	f.root = root
	return f, 0
}

// inodeCacheBuckets sizes the inode hashtable; it grows only in chain
// length, not bucket count, so this just trades expected chain depth
// for up-front memory like the teacher's own hashtable.MkHash callers do.
const inodeCacheBuckets = 64

// inodeBlockFor returns the block number and in-block offset holding
// inum's on-disk record within the inode-file.
func (f *FS) inodeBlockFor(inum int) (blockno, off int) {
	perBlock := block.BSIZE / diskInodeSize
	blockno = f.sb.Inodestart + (inum-1)/perBlock
	off = ((inum - 1) % perBlock) * diskInodeSize
	return
}

func (f *FS) writeInodeRaw(ip *Inode) defs.Err_t {
	blockno, off := f.inodeBlockFor(ip.Inum)
	b, err := f.c.Get(blockno)
	if err != 0 {
		return err
	}
	b.Lock()
	util.Writen32(b.Data[:], off, uint32(ip.Type))
	util.Writen32(b.Data[:], off+4, uint32(ip.Devid))
	util.Writen32(b.Data[:], off+8, uint32(ip.Size))
	for i, e := range ip.Extents {
		base := off + 12 + i*8
		util.Writen32(b.Data[:], base, uint32(e.Start))
		util.Writen32(b.Data[:], base+4, uint32(e.Nblock))
	}
	b.Dirty = true
	b.Unlock()
	return f.log.Write(b)
}

func (f *FS) readInodeRaw(inum int) (*Inode, defs.Err_t) {
	blockno, off := f.inodeBlockFor(inum)
	b, err := f.c.Get(blockno)
	if err != 0 {
		return nil, err
	}
	b.Lock()
	defer b.Unlock()
	ip := &Inode{Inum: inum, Refcount: 1, fs: f}
	ip.Type = int(util.Readn32(b.Data[:], off))
	ip.Devid = int(util.Readn32(b.Data[:], off+4))
	ip.Size = int(util.Readn32(b.Data[:], off+8))
	for i := range ip.Extents {
		base := off + 12 + i*8
		ip.Extents[i] = Extent{Start: int(util.Readn32(b.Data[:], base)), Nblock: int(util.Readn32(b.Data[:], base+4))}
	}
	return ip, 0
}

// getInode returns the cached in-memory inode for inum, reading it
// from disk on first access (spec.md §4.6 inode cache).
func (f *FS) getInode(inum int) (*Inode, defs.Err_t) {
	if v, ok := f.cache.Get(inum); ok {
		ip := v.(*Inode)
		ip.Lock()
		ip.Refcount++
		ip.Unlock()
		return ip, 0
	}

	ip, err := f.readInodeRaw(inum)
	if err != 0 {
		return nil, err
	}
	if prev, inserted := f.cache.Set(inum, ip); !inserted {
		existing := prev.(*Inode)
		existing.Lock()
		existing.Refcount++
		existing.Unlock()
		return existing, 0
	}
	return ip, 0
}

// Release drops one in-memory reference to ip; when it hits zero and
// the inode's on-disk type is already cleared, the cache slot becomes
// reusable (spec.md §4.6; unlink/free-on-disk is not implemented, so
// in practice the type is never cleared here — see DESIGN.md).
func (f *FS) Release(ip *Inode) {
	ip.Lock()
	ip.Refcount--
	free := ip.Refcount <= 0 && ip.Type == 0
	ip.Unlock()
	if free {
		f.cache.Del(ip.Inum)
	}
}

// allocInum picks the next unused inode number by scanning forward
// through the inode-file until it finds a zero-typed slot.
func (f *FS) allocInum() (int, defs.Err_t) {
	for inum := 2; ; inum++ {
		blockno, off := f.inodeBlockFor(inum)
		if blockno >= f.sb.Swapstart {
			return 0, defs.ENOSPC
		}
		b, err := f.c.Get(blockno)
		if err != 0 {
			return 0, err
		}
		b.Lock()
		typ := util.Readn32(b.Data[:], off)
		b.Unlock()
		if typ == 0 {
			return inum, 0
		}
	}
}

// logRegionBlocks is the fixed size of the log region: one commit
// block plus its MaxLogBlocks payload slots (wal.Log's layout).
const logRegionBlocks = 1 + wal.MaxLogBlocks

// dataStart is where the data region begins: directly after the log
// region. Disk layout, ascending: superblock, bitmap[bmapstart,
// inodestart), inode-file[inodestart, swapstart), swap[swapstart,
// logstart), log[logstart, logstart+logRegionBlocks), data[...,nblocks).
func (f *FS) dataStart() int {
	return f.sb.Logstart + logRegionBlocks
}

// numGroups is the number of real 8-block data groups the bitmap
// describes — bounded by the actual data region, not the bitmap
// region's raw byte capacity (which may be rounded up to a block).
func (f *FS) numGroups() int {
	return (f.sb.Nblocks - f.dataStart()) / ChunkBlks
}

// groupLoc returns the bitmap block and in-block byte offset holding
// group g's free bit, counting forward from bmapstart.
func (f *FS) groupLoc(g int) (blockno, off int) {
	return f.sb.Bmapstart + g/block.BSIZE, g % block.BSIZE
}

// allocExtent scans the free-block bitmap backward from the last real
// data group toward group 0, per spec.md §4.6 ("scanning backward
// from inodestart-1, byte==0 marks a free group"): the last group
// sits in the bitmap byte nearest inodestart, so scanning backward
// through groups is scanning backward through the bitmap region.
func (f *FS) allocExtent() (Extent, defs.Err_t) {
	for g := f.numGroups() - 1; g >= 0; g-- {
		blockno, off := f.groupLoc(g)
		b, err := f.c.Get(blockno)
		if err != 0 {
			return Extent{}, err
		}
		b.Lock()
		free := b.Data[off] == 0
		if free {
			b.Data[off] = 1
			b.Dirty = true
		}
		b.Unlock()
		if free {
			if err := f.log.Write(b); err != 0 {
				return Extent{}, err
			}
			start := f.dataStart() + g*ChunkBlks
			return Extent{Start: start, Nblock: ChunkBlks}, 0
		}
	}
	return Extent{}, defs.ENOSPC
}

// ReadInode reads n bytes at off from ip, walking its extent array.
func (f *FS) ReadInode(ip *Inode, off, n int) ([]byte, defs.Err_t) {
	ip.Lock()
	defer ip.Unlock()
	if off >= ip.Size {
		return nil, 0
	}
	if off+n > ip.Size {
		n = ip.Size - off
	}
	out := make([]byte, 0, n)
	pos := 0
	for _, e := range ip.Extents {
		if e.Nblock == 0 {
			continue
		}
		extBytes := e.Nblock * block.BSIZE
		if off >= pos+extBytes {
			pos += extBytes
			continue
		}
		for blk := 0; blk < e.Nblock && len(out) < n; blk++ {
			blkStart := pos + blk*block.BSIZE
			blkEnd := blkStart + block.BSIZE
			if off >= blkEnd {
				continue
			}
			b, err := f.c.Get(e.Start + blk)
			if err != 0 {
				return nil, err
			}
			b.Lock()
			lo := 0
			if off > blkStart {
				lo = off - blkStart
			}
			hi := block.BSIZE
			if want := n - len(out) + lo; want < hi {
				hi = want
			}
			out = append(out, b.Data[lo:hi]...)
			b.Unlock()
		}
		pos += extBytes
		if len(out) >= n {
			break
		}
	}
	return out, 0
}

// WriteInode writes src at off into ip, appending fresh extents via
// allocExtent when the write extends past current capacity, then
// rewrites the inode-file entry and commits (spec.md §4.6).
func (f *FS) WriteInode(ip *Inode, off int, src []byte) defs.Err_t {
	ip.Lock()
	defer ip.Unlock()

	need := off + len(src)
	capacity := ip.capacity()
	for need > capacity {
		ext, err := f.allocExtent()
		if err != 0 {
			return err
		}
		if err := ip.appendExtent(ext); err != 0 {
			return err
		}
		capacity = ip.capacity()
	}

	pos := 0
	written := 0
	for _, e := range ip.Extents {
		if e.Nblock == 0 {
			continue
		}
		extBytes := e.Nblock * block.BSIZE
		for blk := 0; blk < e.Nblock && written < len(src); blk++ {
			blkStart := pos + blk*block.BSIZE
			blkEnd := blkStart + block.BSIZE
			if off+written >= blkEnd || off >= blkEnd {
				continue
			}
			if off+len(src) <= blkStart {
				continue
			}
			b, err := f.c.Get(e.Start + blk)
			if err != 0 {
				return err
			}
			lo := 0
			if off > blkStart {
				lo = off - blkStart
			}
			srcOff := blkStart + lo - off
			n := block.BSIZE - lo
			if n > len(src)-srcOff {
				n = len(src) - srcOff
			}
			if n <= 0 {
				continue
			}
			b.Lock()
			copy(b.Data[lo:lo+n], src[srcOff:srcOff+n])
			b.Dirty = true
			b.Unlock()
			if err := f.log.Write(b); err != 0 {
				return err
			}
			written += n
		}
		pos += extBytes
	}

	if need > ip.Size {
		ip.Size = need
	}
	if err := f.writeInodeRaw(ip); err != 0 {
		return err
	}
	return f.log.Commit()
}

// ReadWhole returns an inode's full contents, used by vm.LoadElf for
// eager whole-file ELF loading.
func ReadWhole(ip *Inode) ([]byte, defs.Err_t) {
	return ip.fs.ReadInode(ip, 0, ip.Size)
}

func (ip *Inode) capacity() int {
	n := 0
	for _, e := range ip.Extents {
		n += e.Nblock * block.BSIZE
	}
	return n
}

func (ip *Inode) appendExtent(e Extent) defs.Err_t {
	for i := range ip.Extents {
		if ip.Extents[i].Nblock == 0 {
			ip.Extents[i] = e
			return 0
		}
	}
	return defs.ENOSPC
}

// --- directories and path resolution -------------------------------

const dirEntSize = 2 + ustr.DirNameLen // inum(uint16) + name[14]

// Create makes a new file or directory named name as a direct child
// of dir, appending a dirent to dir's contents and a fresh inode to
// the inode-file (spec.md §4.6 create(name)).
func (f *FS) Create(dir *Inode, name ustr.Ustr, typ int) (*Inode, defs.Err_t) {
	if existing, err := f.Lookup(dir, name); err == 0 && existing != nil {
		return nil, defs.EEXIST
	}
	inum, err := f.allocInum()
	if err != 0 {
		return nil, err
	}
	child := &Inode{Inum: inum, Refcount: 1, Type: typ, fs: f}
	if err := f.writeInodeRaw(child); err != 0 {
		return nil, err
	}
	if err := f.log.Commit(); err != 0 {
		return nil, err
	}

	var rec [dirEntSize]byte
	rec[0] = byte(inum)
	rec[1] = byte(inum >> 8)
	padded := ustr.PadName(name)
	copy(rec[2:], padded[:])
	if err := f.WriteInode(dir, dir.Size, rec[:]); err != 0 {
		return nil, err
	}

	f.cache.Set(inum, child)
	return child, 0
}

// Lookup scans dir's directory entries linearly for name.
func (f *FS) Lookup(dir *Inode, name ustr.Ustr) (*Inode, defs.Err_t) {
	data, err := f.ReadInode(dir, 0, dir.Size)
	if err != 0 {
		return nil, err
	}
	for off := 0; off+dirEntSize <= len(data); off += dirEntSize {
		inum := int(data[off]) | int(data[off+1])<<8
		if inum == 0 {
			continue
		}
		var raw [ustr.DirNameLen]byte
		copy(raw[:], data[off+2:off+dirEntSize])
		if ustr.UnpadName(raw).Eq(name) {
			return f.getInode(inum)
		}
	}
	return nil, defs.ENOENT
}

// Namei tokenizes path and resolves it by linear directory scans,
// starting at root for absolute paths (spec.md §4.6). Relative paths
// also begin at root: this kernel does not track a per-process cwd
// inode across exec, only the cached root reference.
func (f *FS) Namei(path ustr.Ustr) (*Inode, defs.Err_t) {
	cur := f.root
	for _, comp := range path.Tokenize() {
		next, err := f.Lookup(cur, comp)
		if err != 0 {
			return nil, err
		}
		cur = next
	}
	return cur, 0
}

// Root returns the cached root directory inode.
func (f *FS) Root() *Inode { return f.root }

// Unlink is not supported (spec.md §4.6 note: "does not free disk
// blocks on unlink; unlink is not supported").
func (f *FS) Unlink(dir *Inode, name ustr.Ustr) defs.Err_t {
	return defs.ENOSYS
}

// Stat fills a minimal stat record for ip.
type Stat struct {
	Ino  int
	Type int
	Size int
}

func (f *FS) Stat(ip *Inode) Stat {
	ip.Lock()
	defer ip.Unlock()
	return Stat{Ino: ip.Inum, Type: ip.Type, Size: ip.Size}
}

// Sync commits any pending transaction without adding new writes.
func (f *FS) Sync() defs.Err_t {
	return f.log.Commit()
}
