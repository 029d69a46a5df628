package fs

import (
	"labkernel/block"
	"labkernel/defs"
	"labkernel/ustr"
	"testing"
)

// layoutForTest builds a small, self-consistent disk layout: superblock
// at 0, bitmap at 1, inode-file at 5, swap at 50, log at 60, data after
// the log region.
func layoutForTest(t *testing.T) (*block.Cache, int, int, int, int, int) {
	nblocks := 60 + logRegionBlocks + 200
	d := block.NewMemDisk(nblocks)
	c := block.NewCache(d)
	return c, nblocks, 1, 5, 50, 60
}

func TestMkFSAndCreateFile(t *testing.T) {
	c, nblocks, bmapstart, inodestart, swapstart, logstart := layoutForTest(t)
	f, err := MkFS(c, 0, nblocks, bmapstart, inodestart, swapstart, logstart)
	if err != 0 {
		t.Fatalf("MkFS: %v", err)
	}

	child, err := f.Create(f.Root(), ustr.Ustr("hello"), defs.T_FILE)
	if err != 0 {
		t.Fatalf("Create: %v", err)
	}
	payload := []byte("hello, world")
	if err := f.WriteInode(child, 0, payload); err != 0 {
		t.Fatalf("WriteInode: %v", err)
	}

	got, err := f.ReadInode(child, 0, len(payload))
	if err != 0 {
		t.Fatalf("ReadInode: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, payload)
	}
}

func TestLookupAndNamei(t *testing.T) {
	c, nblocks, bmapstart, inodestart, swapstart, logstart := layoutForTest(t)
	f, err := MkFS(c, 0, nblocks, bmapstart, inodestart, swapstart, logstart)
	if err != 0 {
		t.Fatalf("MkFS: %v", err)
	}
	if _, err := f.Create(f.Root(), ustr.Ustr("a.txt"), defs.T_FILE); err != 0 {
		t.Fatalf("Create: %v", err)
	}
	ip, err := f.Namei(ustr.Ustr("/a.txt"))
	if err != 0 {
		t.Fatalf("Namei: %v", err)
	}
	if ip.Type != defs.T_FILE {
		t.Fatalf("expected T_FILE, got %d", ip.Type)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	c, nblocks, bmapstart, inodestart, swapstart, logstart := layoutForTest(t)
	f, _ := MkFS(c, 0, nblocks, bmapstart, inodestart, swapstart, logstart)
	if _, err := f.Create(f.Root(), ustr.Ustr("dup"), defs.T_FILE); err != 0 {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := f.Create(f.Root(), ustr.Ustr("dup"), defs.T_FILE); err != defs.EEXIST {
		t.Fatalf("expected EEXIST, got %v", err)
	}
}

func TestWriteAppendsAcrossMultipleExtents(t *testing.T) {
	c, nblocks, bmapstart, inodestart, swapstart, logstart := layoutForTest(t)
	f, _ := MkFS(c, 0, nblocks, bmapstart, inodestart, swapstart, logstart)
	child, err := f.Create(f.Root(), ustr.Ustr("big"), defs.T_FILE)
	if err != 0 {
		t.Fatalf("Create: %v", err)
	}
	// Write more than one chunk's worth (ChunkBytes = 8*512 = 4096).
	payload := make([]byte, ChunkBytes+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := f.WriteInode(child, 0, payload); err != 0 {
		t.Fatalf("WriteInode: %v", err)
	}
	got, err := f.ReadInode(child, 0, len(payload))
	if err != 0 {
		t.Fatalf("ReadInode: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("mismatch at byte %d: got %d want %d", i, got[i], payload[i])
		}
	}
	if child.Extents[1].Nblock == 0 {
		t.Fatalf("expected a second extent to have been allocated")
	}
}

func TestUnlinkUnsupported(t *testing.T) {
	c, nblocks, bmapstart, inodestart, swapstart, logstart := layoutForTest(t)
	f, _ := MkFS(c, 0, nblocks, bmapstart, inodestart, swapstart, logstart)
	if err := f.Unlink(f.Root(), ustr.Ustr("nope")); err != defs.ENOSYS {
		t.Fatalf("expected ENOSYS, got %v", err)
	}
}
