// Package kernel wires every other package into the syscall surface
// spec.md §6 lists (fork, exit, wait, kill, exec, getpid, sbrk, sleep,
// open, close, read, write, dup, fstat, pipe, sysinfo) plus boot/
// recovery. One Kernel value owns the disk, the log, the file system,
// the physical allocator, and the process table; each syscall method
// takes the calling *proc.Process explicitly, the same way biscuit's
// syscall.go methods take a *Tnote for "which thread called this".
//
// Grounded on biscuit/src/syscall/sys.go's dispatch-by-method shape
// and biscuit/src/main.go's boot sequence (attach disk, recover log,
// mount root, spawn init).
package kernel

import (
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"labkernel/block"
	"labkernel/defs"
	"labkernel/fd"
	"labkernel/fs"
	"labkernel/mem"
	"labkernel/proc"
	"labkernel/sysinfo"
	"labkernel/ustr"
)

// Config bundles the parameters MkFS needs to lay out a fresh disk,
// mirroring the superblock fields spec.md §2 names.
type Config struct {
	Nblocks    int
	Bmapstart  int
	Inodestart int
	Swapstart  int
	Logstart   int
	Npages     int // physical frames the allocator manages
}

// Kernel is the booted system: disk, cache, file system, allocator,
// and process table, ready to dispatch syscalls.
type Kernel struct {
	Disk  block.Disk
	Cache *block.Cache
	FS    *fs.FS
	Alloc *mem.Allocator
	Procs *proc.Table

	diskReads sysinfo.Counter
}

// Boot attaches to an already-formatted disk, replaying its log
// before any syscall can run (spec.md §4.2 crash-recovery contract).
func Boot(d block.Disk, npages, swapBase int) (*Kernel, defs.Err_t) {
	c := block.NewCache(d)
	fsys, err := fs.Boot(c, 0)
	if err != 0 {
		return nil, err
	}
	return attach(d, c, fsys, npages, swapBase), 0
}

// Mkfs formats a fresh disk per cfg and boots it, the offline-image
// and in-memory-test path both funnel through.
func Mkfs(d block.Disk, cfg Config) (*Kernel, defs.Err_t) {
	c := block.NewCache(d)
	fsys, err := fs.MkFS(c, 0, cfg.Nblocks, cfg.Bmapstart, cfg.Inodestart, cfg.Swapstart, cfg.Logstart)
	if err != 0 {
		return nil, err
	}
	return attach(d, c, fsys, cfg.Npages, cfg.Swapstart), 0
}

func attach(d block.Disk, c *block.Cache, fsys *fs.FS, npages, swapBase int) *Kernel {
	alloc := mem.NewAllocator(npages, c, swapBase)
	files := fd.NewTable(defs.NFILE)
	procs := proc.NewTable(files, fsys, alloc)
	return &Kernel{Disk: d, Cache: c, FS: fsys, Alloc: alloc, Procs: procs}
}

// Spawn creates the first process (init), with no parent and an empty
// address space, ready for Exec.
func (k *Kernel) Spawn() *proc.Process {
	return k.Procs.NewInit()
}

// --- process syscalls ---

func (k *Kernel) Fork(p *proc.Process) (defs.Pid_t, defs.Err_t) {
	child, err := k.Procs.Fork(p)
	if err != 0 {
		return 0, err
	}
	return child.Pid, 0
}

// ForkProcess is Fork but returns the new *proc.Process handle
// directly, for in-process callers (the scenario runner, tests) that
// need to drive the child's syscalls themselves rather than looking
// it up by pid — a real fork() syscall only ever hands the parent a
// pid, since the child resumes as itself in its own address space.
func (k *Kernel) ForkProcess(p *proc.Process) (*proc.Process, defs.Err_t) {
	return k.Procs.Fork(p)
}

func (k *Kernel) Exec(p *proc.Process, path string, argv []string) (uintptr, defs.Err_t) {
	return k.Procs.Exec(p, path, argv)
}

func (k *Kernel) Exit(p *proc.Process, status int, init *proc.Process) {
	k.Procs.Exit(p, status, init)
}

func (k *Kernel) Wait(p *proc.Process) (defs.Pid_t, int, defs.Err_t) {
	return k.Procs.Wait(p)
}

func (k *Kernel) Kill(p *proc.Process) {
	k.Procs.Kill(p)
}

func (k *Kernel) Getpid(p *proc.Process) defs.Pid_t {
	return p.Pid
}

func (k *Kernel) Sbrk(p *proc.Process, delta int) (uintptr, defs.Err_t) {
	return k.Procs.Sbrk(p, delta)
}

// Sleep blocks the caller for d by polling a deadline once per
// millisecond, returning EINVAL early if p is killed; there is no
// timer interrupt or clock device behind it.
func (k *Kernel) Sleep(p *proc.Process, d time.Duration) defs.Err_t {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if p.IsKilled() {
			return defs.EINVAL
		}
		time.Sleep(time.Millisecond)
	}
	return 0
}

// --- file syscalls ---

func (k *Kernel) Open(p *proc.Process, path string, mode int) (int, defs.Err_t) {
	ip, err := k.FS.Namei(ustr.Ustr(path))
	if err != 0 {
		if mode&defs.O_CREATE == 0 {
			return 0, err
		}
		dir := k.FS.Root()
		parts := ustr.Ustr(path).Tokenize()
		if len(parts) == 0 {
			return 0, defs.EINVAL
		}
		ip, err = k.FS.Create(dir, parts[len(parts)-1], defs.T_FILE)
		if err != 0 {
			return 0, err
		}
	}
	slot, f, err := k.Procs.Files.Open(ip, mode)
	if err != 0 {
		k.FS.Release(ip)
		return 0, err
	}
	fdnum, err := p.Fds.Install(slot, f)
	if err != 0 {
		k.Procs.Files.Close(slot, f, k.FS.Release)
		return 0, err
	}
	return fdnum, 0
}

func (k *Kernel) Close(p *proc.Process, fdnum int) defs.Err_t {
	f, slot, err := p.Fds.Clear(fdnum)
	if err != 0 {
		return err
	}
	k.Procs.Files.Close(slot, f, k.FS.Release)
	return 0
}

func (k *Kernel) Read(p *proc.Process, fdnum int, dst []byte) (int, defs.Err_t) {
	f, _, err := p.Fds.Get(fdnum)
	if err != 0 {
		return 0, err
	}
	n, err := fd.ReadFile(k.FS, f, dst, func() bool { return p.IsKilled() })
	if err == 0 {
		k.diskReads.Inc()
	}
	return n, err
}

func (k *Kernel) Write(p *proc.Process, fdnum int, src []byte) (int, defs.Err_t) {
	f, _, err := p.Fds.Get(fdnum)
	if err != 0 {
		return 0, err
	}
	return fd.WriteFile(k.FS, f, src, func() bool { return p.IsKilled() })
}

func (k *Kernel) Dup(p *proc.Process, fdnum int) (int, defs.Err_t) {
	f, slot, err := p.Fds.Get(fdnum)
	if err != 0 {
		return 0, err
	}
	k.Procs.Files.Dup(f)
	nfd, err := p.Fds.Install(slot, f)
	if err != 0 {
		k.Procs.Files.Close(slot, f, k.FS.Release)
		return 0, err
	}
	return nfd, 0
}

func (k *Kernel) Fstat(p *proc.Process, fdnum int) (sysinfo.Stat, defs.Err_t) {
	f, _, err := p.Fds.Get(fdnum)
	if err != 0 {
		return sysinfo.Stat{}, err
	}
	if f.Kind != fd.KindDisk {
		return sysinfo.Stat{}, defs.EINVAL
	}
	st := k.FS.Stat(f.Inode)
	return sysinfo.Stat{Ino: uint64(st.Ino), Mode: uint32(st.Type), Size: uint64(st.Size)}, 0
}

// Pipe creates a connected pipe pair and installs both ends in p's
// fd table, returning (readFd, writeFd).
func (k *Kernel) Pipe(p *proc.Process) (int, int, defs.Err_t) {
	rslot, wslot, rf, wf, err := k.Procs.Files.OpenPipe()
	if err != 0 {
		return 0, 0, err
	}
	rfd, err := p.Fds.Install(rslot, rf)
	if err != 0 {
		k.Procs.Files.Close(rslot, rf, k.FS.Release)
		k.Procs.Files.Close(wslot, wf, k.FS.Release)
		return 0, 0, err
	}
	wfd, err := p.Fds.Install(wslot, wf)
	if err != 0 {
		p.Fds.Clear(rfd)
		k.Procs.Files.Close(rslot, rf, k.FS.Release)
		k.Procs.Files.Close(wslot, wf, k.FS.Release)
		return 0, 0, err
	}
	return rfd, wfd, 0
}

// Sysinfo reports the kernel-wide VM/disk snapshot spec.md §8 asks for.
func (k *Kernel) Sysinfo() sysinfo.Sysinfo {
	return sysinfo.Sysinfo{
		FreePages:    k.Alloc.FreePages(),
		PagesInSwap:  k.Alloc.PagesInSwap(),
		NumDiskReads: k.diskReads.Value() + k.Alloc.SwapIns(),
	}
}

// ReportSysinfo renders a Sysinfo snapshot using locale-aware number
// formatting, so large page/read counts print with the caller's
// locale's grouping separators instead of a bare Sprintf.
func ReportSysinfo(si sysinfo.Sysinfo, tag language.Tag) string {
	p := message.NewPrinter(tag)
	return p.Sprintf("free=%d swap=%d reads=%d", si.FreePages, si.PagesInSwap, si.NumDiskReads)
}
