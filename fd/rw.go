package fd

import (
	"labkernel/defs"
	"labkernel/fs"
)

// ReadFile reads up to len(dst) bytes from f, advancing its shared
// offset, under the inode's own sleep-lock (fs.Inode embeds
// sync.Mutex, taken internally by fs.ReadInode). For a pipe, it reads
// from the ring buffer instead (spec.md §4.9).
func ReadFile(fsys *fs.FS, f *File, dst []byte, killed func() bool) (int, defs.Err_t) {
	if f.Kind == KindPipe {
		if f.PipeEnd != 0 {
			return 0, defs.EINVAL
		}
		return f.Pipe.Read(dst, killed)
	}

	f.mu.Lock()
	off := f.Offset
	f.mu.Unlock()

	got, err := fsys.ReadInode(f.Inode, off, len(dst))
	if err != 0 {
		return 0, err
	}
	n := copy(dst, got)

	f.mu.Lock()
	f.Offset += n
	f.mu.Unlock()
	return n, 0
}

// WriteFile writes src to f, advancing its shared offset. For a pipe,
// it writes to the ring buffer instead.
func WriteFile(fsys *fs.FS, f *File, src []byte, killed func() bool) (int, defs.Err_t) {
	if f.Kind == KindPipe {
		if f.PipeEnd != 1 {
			return 0, defs.EINVAL
		}
		return f.Pipe.Write(src, killed)
	}

	f.mu.Lock()
	off := f.Offset
	f.mu.Unlock()

	if err := fsys.WriteInode(f.Inode, off, src); err != 0 {
		return 0, err
	}

	f.mu.Lock()
	f.Offset += len(src)
	f.mu.Unlock()
	return len(src), 0
}
