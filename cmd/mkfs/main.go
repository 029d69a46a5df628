// Command mkfs builds a disk image formatted with the extent-based
// file system, then populates it from a skeleton archive.
// Adapted from biscuit/src/mkfs/mkfs.go's addfiles/copydata walk, with
// the skeleton directory tree replaced by a golang.org/x/tools/txtar
// archive read from the file named by -skel, since this kernel's offline tooling
// has no bootloader/kernel-image concatenation step to perform.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/tools/txtar"

	"labkernel/block"
	"labkernel/defs"
	"labkernel/fs"
	"labkernel/kernel"
	"labkernel/ustr"
)

func main() {
	var (
		out       = flag.String("o", "disk.img", "output disk image path")
		nblocks   = flag.Int("nblocks", 4096, "total disk blocks")
		bmapstart = flag.Int("bmapstart", 1, "first bitmap block")
		inodestrt = flag.Int("inodestart", 33, "first inode-file block")
		swapstart = flag.Int("swapstart", 2048, "first swap block")
		logstart  = flag.Int("logstart", 3072, "first log block")
		skel      = flag.String("skel", "", "path to a txtar skeleton archive to populate the image with")
	)
	flag.Parse()

	d, err := block.OpenFileDisk(*out, *nblocks)
	if err != nil {
		log.Fatalf("open disk image: %v", err)
	}
	defer d.Close()

	k, kerr := kernel.Mkfs(d, kernel.Config{
		Nblocks:    *nblocks,
		Bmapstart:  *bmapstart,
		Inodestart: *inodestrt,
		Swapstart:  *swapstart,
		Logstart:   *logstart,
		Npages:     256,
	})
	if kerr != 0 {
		log.Fatalf("mkfs: %v", kerr)
	}

	if *skel != "" {
		raw, err := os.ReadFile(*skel)
		if err != nil {
			log.Fatalf("read skeleton archive: %v", err)
		}
		if err := addfiles(k.FS, txtar.Parse(raw)); err != nil {
			log.Fatalf("populate image: %v", err)
		}
	}

	if err := k.FS.Sync(); err != 0 {
		log.Fatalf("sync: %v", err)
	}
	fmt.Printf("wrote %s (%d blocks)\n", *out, *nblocks)
}

// addfiles creates one file per txtar section at the path it names,
// the flat equivalent of mkfs.go's filepath.WalkDir-driven copydata:
// a txtar archive has no directory nodes of its own, so every file
// name is taken as a root-relative path and intermediate directories
// are created on demand.
func addfiles(fsys *fs.FS, ar *txtar.Archive) error {
	for _, file := range ar.Files {
		dir, base := splitDir(file.Name)
		dirIp, err := ensureDir(fsys, dir)
		if err != 0 {
			return fmt.Errorf("create dir %q: %v", dir, err)
		}
		ip, err := fsys.Create(dirIp, ustr.Ustr(base), defs.T_FILE)
		if err != 0 {
			return fmt.Errorf("create file %q: %v", file.Name, err)
		}
		if len(file.Data) > 0 {
			if err := fsys.WriteInode(ip, 0, file.Data); err != 0 {
				return fmt.Errorf("write file %q: %v", file.Name, err)
			}
		}
	}
	return nil
}

// splitDir splits a root-relative slash-separated path into its
// parent directory components and final name.
func splitDir(path string) (dir, base string) {
	u := ustr.Ustr(path)
	parts := u.Tokenize()
	if len(parts) == 0 {
		return "", path
	}
	base = string(parts[len(parts)-1])
	dirParts := parts[:len(parts)-1]
	for i, p := range dirParts {
		if i > 0 {
			dir += "/"
		}
		dir += string(p)
	}
	return dir, base
}

// ensureDir walks dir component by component from root, creating any
// missing directory inode along the way.
func ensureDir(fsys *fs.FS, dir string) (*fs.Inode, defs.Err_t) {
	cur := fsys.Root()
	if dir == "" {
		return cur, 0
	}
	for _, comp := range ustr.Ustr(dir).Tokenize() {
		next, err := fsys.Lookup(cur, comp)
		if err == defs.ENOENT {
			next, err = fsys.Create(cur, comp, defs.T_DIR)
		}
		if err != 0 {
			return nil, err
		}
		cur = next
	}
	return cur, 0
}
