package fd

import (
	"labkernel/defs"
	"sync"
	"testing"
	"time"
)

func notKilled() bool { return false }

func TestPipeBlockingReadWrite(t *testing.T) {
	p := newPipe()
	var wg sync.WaitGroup
	wg.Add(1)
	var got [5]byte
	var n int
	go func() {
		defer wg.Done()
		var err defs.Err_t
		n, err = p.Read(got[:], notKilled)
		if err != 0 {
			t.Errorf("Read: %v", err)
		}
	}()

	time.Sleep(10 * time.Millisecond) // reader should be blocked on empty buffer
	if _, err := p.Write([]byte("hello"), notKilled); err != 0 {
		t.Fatalf("Write: %v", err)
	}
	wg.Wait()
	if n != 5 || string(got[:n]) != "hello" {
		t.Fatalf("got %q (%d bytes)", got[:n], n)
	}
}

func TestPipeWriteAfterReaderClosedReturnsEPIPE(t *testing.T) {
	p := newPipe()
	p.CloseRead()
	if _, err := p.Write([]byte("x"), notKilled); err != defs.EPIPE {
		t.Fatalf("expected EPIPE, got %v", err)
	}
}

func TestPipeReadAfterWriterClosedDrainsThenReturnsZero(t *testing.T) {
	p := newPipe()
	p.Write([]byte("ab"), notKilled)
	p.CloseWrite()
	var buf [8]byte
	n, err := p.Read(buf[:], notKilled)
	if err != 0 || n != 2 {
		t.Fatalf("first read: n=%d err=%v", n, err)
	}
	n, err = p.Read(buf[:], notKilled)
	if err != 0 || n != 0 {
		t.Fatalf("expected EOF-style zero read, got n=%d err=%v", n, err)
	}
}

func TestTableOpenPipeAndFdsFork(t *testing.T) {
	table := NewTable(8)
	rslot, wslot, rf, wf, err := table.OpenPipe()
	if err != 0 {
		t.Fatalf("OpenPipe: %v", err)
	}
	if rslot == wslot {
		t.Fatalf("expected distinct slots")
	}

	fds := NewFds(4)
	rfd, _ := fds.Install(rslot, rf)
	wfd, _ := fds.Install(wslot, wf)

	child := fds.Fork(table)
	if gotF, _, err := child.Get(rfd); err != 0 || gotF != rf {
		t.Fatalf("child did not inherit read fd")
	}
	if gotF, _, err := child.Get(wfd); err != 0 || gotF != wf {
		t.Fatalf("child did not inherit write fd")
	}
	if rf.Refcount != 2 {
		t.Fatalf("expected forked fd to bump refcount to 2, got %d", rf.Refcount)
	}
}
