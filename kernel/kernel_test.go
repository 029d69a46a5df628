package kernel

import (
	"testing"

	"labkernel/block"
	"labkernel/defs"
)

func newTestKernel(t *testing.T) *Kernel {
	const logRegionBlocks = 41
	nblocks := 60 + logRegionBlocks + 400
	d := block.NewMemDisk(nblocks)
	k, err := Mkfs(d, Config{
		Nblocks:    nblocks,
		Bmapstart:  1,
		Inodestart: 5,
		Swapstart:  50,
		Logstart:   60,
		Npages:     64,
	})
	if err != 0 {
		t.Fatalf("Mkfs: %v", err)
	}
	return k
}

func TestOpenCreateWriteReadRoundtrip(t *testing.T) {
	k := newTestKernel(t)
	p := k.Spawn()

	fdnum, err := k.Open(p, "/greeting", defs.O_RDWR|defs.O_CREATE)
	if err != 0 {
		t.Fatalf("Open: %v", err)
	}

	msg := []byte("hello, kernel")
	n, err := k.Write(p, fdnum, msg)
	if err != 0 || n != len(msg) {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	st, err := k.Fstat(p, fdnum)
	if err != 0 {
		t.Fatalf("Fstat: %v", err)
	}
	if st.Size != uint64(len(msg)) {
		t.Fatalf("expected size %d, got %d", len(msg), st.Size)
	}

	if err := k.Close(p, fdnum); err != 0 {
		t.Fatalf("Close: %v", err)
	}

	fdnum2, err := k.Open(p, "/greeting", defs.O_RDONLY)
	if err != 0 {
		t.Fatalf("reopen: %v", err)
	}
	buf := make([]byte, len(msg))
	n, err = k.Read(p, fdnum2, buf)
	if err != 0 || n != len(msg) || string(buf) != string(msg) {
		t.Fatalf("Read roundtrip mismatch: n=%d err=%v got=%q", n, err, buf[:n])
	}
}

func TestPipeBetweenForkedProcesses(t *testing.T) {
	k := newTestKernel(t)
	parent := k.Spawn()

	rfd, wfd, err := k.Pipe(parent)
	if err != 0 {
		t.Fatalf("Pipe: %v", err)
	}

	childPid, err := k.Fork(parent)
	if err != 0 {
		t.Fatalf("Fork: %v", err)
	}
	_ = childPid

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 5)
		n, rerr := k.Read(parent, rfd, buf)
		if rerr != 0 || string(buf[:n]) != "hello" {
			t.Errorf("pipe read mismatch: n=%d err=%v got=%q", n, rerr, buf[:n])
		}
		close(done)
	}()

	if _, err := k.Write(parent, wfd, []byte("hello")); err != 0 {
		t.Fatalf("Write to pipe: %v", err)
	}
	<-done
}

func TestSbrkGrowsAndShrinksHeap(t *testing.T) {
	k := newTestKernel(t)
	p := k.Spawn()

	before, err := k.Sbrk(p, 8192)
	if err != 0 {
		t.Fatalf("Sbrk grow: %v", err)
	}
	after, err := k.Sbrk(p, -8192)
	if err != 0 {
		t.Fatalf("Sbrk shrink: %v", err)
	}
	if after != before+8192 {
		t.Fatalf("expected second Sbrk to return %d, got %d", before+8192, after)
	}
}

func TestForkWaitKill(t *testing.T) {
	k := newTestKernel(t)
	parent := k.Spawn()

	childPid, err := k.Fork(parent)
	if err != 0 {
		t.Fatalf("Fork: %v", err)
	}

	var child *struct{}
	_ = child
	for _, c := range parent.Children {
		if c.Pid == childPid {
			k.Exit(c, 3, nil)
		}
	}

	pid, status, err := k.Wait(parent)
	if err != 0 || pid != childPid || status != 3 {
		t.Fatalf("Wait mismatch: pid=%d status=%d err=%v", pid, status, err)
	}

	k.Kill(parent)
	if !parent.IsKilled() {
		t.Fatalf("expected parent killed")
	}
}

func TestSysinfoReportsFreePages(t *testing.T) {
	k := newTestKernel(t)
	si := k.Sysinfo()
	if si.FreePages <= 0 {
		t.Fatalf("expected positive free pages, got %d", si.FreePages)
	}
}
