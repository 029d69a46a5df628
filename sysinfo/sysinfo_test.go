package sysinfo

import (
	"sync"
	"testing"

	"labkernel/util"
)

func TestStatBytesRoundtrip(t *testing.T) {
	s := Stat{Dev: 1, Ino: 42, Mode: 0755, Size: 4096, Rdev: 0}
	b := s.Bytes()
	if len(b) != statSize {
		t.Fatalf("expected %d bytes, got %d", statSize, len(b))
	}
	if util.Readn64(b, 0) != s.Dev {
		t.Fatalf("dev mismatch")
	}
	if util.Readn64(b, 8) != s.Ino {
		t.Fatalf("ino mismatch")
	}
	if util.Readn32(b, 16) != s.Mode {
		t.Fatalf("mode mismatch")
	}
	if util.Readn64(b, 20) != s.Size {
		t.Fatalf("size mismatch")
	}
}

func TestCounterConcurrentAdd(t *testing.T) {
	var c Counter
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc()
		}()
	}
	wg.Wait()
	if c.Value() != 100 {
		t.Fatalf("expected 100, got %d", c.Value())
	}
}

func TestCyclesAddSample(t *testing.T) {
	var c Cycles
	c.AddSample(100)
	c.AddSample(200)
	if c.Value() != 2 {
		t.Fatalf("expected count 2, got %d", c.Value())
	}
	if c.NanosTotal != 300 {
		t.Fatalf("expected total 300, got %d", c.NanosTotal)
	}
}
