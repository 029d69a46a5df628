package proc

import (
	"labkernel/block"
	"labkernel/fd"
	"labkernel/fs"
	"labkernel/mem"
	"testing"
)

func newTestTable(t *testing.T) *Table {
	nblocks := 60 + 41 + 200
	d := block.NewMemDisk(nblocks)
	c := block.NewCache(d)
	fsys, err := fs.MkFS(c, 0, nblocks, 1, 5, 50, 60)
	if err != 0 {
		t.Fatalf("MkFS: %v", err)
	}
	alloc := mem.NewAllocator(64, c, 50)
	files := fd.NewTable(32)
	return NewTable(files, fsys, alloc)
}

func TestForkCreatesChildWithSeparateVspace(t *testing.T) {
	pt := newTestTable(t)
	parent := pt.NewInit()

	child, err := pt.Fork(parent)
	if err != 0 {
		t.Fatalf("Fork: %v", err)
	}
	if child.Pid == parent.Pid {
		t.Fatalf("expected distinct pids")
	}
	if child.Parent != parent {
		t.Fatalf("expected child.Parent == parent")
	}
}

func TestExitAndWaitReapsZombie(t *testing.T) {
	pt := newTestTable(t)
	parent := pt.NewInit()
	child, err := pt.Fork(parent)
	if err != 0 {
		t.Fatalf("Fork: %v", err)
	}

	pt.Exit(child, 7, nil)
	pid, status, err := pt.Wait(parent)
	if err != 0 {
		t.Fatalf("Wait: %v", err)
	}
	if pid != child.Pid || status != 7 {
		t.Fatalf("got pid=%d status=%d, want pid=%d status=7", pid, status, child.Pid)
	}
}

func TestWaitWithNoChildrenReturnsECHILD(t *testing.T) {
	pt := newTestTable(t)
	parent := pt.NewInit()
	if _, _, err := pt.Wait(parent); err == 0 {
		t.Fatalf("expected ECHILD")
	}
}

func TestKillSetsFlag(t *testing.T) {
	pt := newTestTable(t)
	p := pt.NewInit()
	if p.IsKilled() {
		t.Fatalf("expected not killed initially")
	}
	pt.Kill(p)
	if !p.IsKilled() {
		t.Fatalf("expected killed after Kill")
	}
}
