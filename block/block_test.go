package block

import "testing"

func TestMemDiskRoundtrip(t *testing.T) {
	d := NewMemDisk(8)
	var buf [BSIZE]byte
	buf[0] = 0xAB
	buf[BSIZE-1] = 0xCD
	if err := d.WriteAt(3, buf[:]); err != nil {
		t.Fatal(err)
	}
	var got [BSIZE]byte
	if err := d.ReadAt(3, got[:]); err != nil {
		t.Fatal(err)
	}
	if got != buf {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestCacheGetPut(t *testing.T) {
	d := NewMemDisk(4)
	c := NewCache(d)
	b, err := c.Get(1)
	if err != 0 {
		t.Fatalf("Get: %v", err)
	}
	b.Lock()
	b.Data[0] = 42
	b.Dirty = true
	b.Unlock()
	if err := c.Put(b); err != 0 {
		t.Fatalf("Put: %v", err)
	}
	var raw [BSIZE]byte
	d.ReadAt(1, raw[:])
	if raw[0] != 42 {
		t.Fatalf("write did not reach disk")
	}
}

func TestCacheOutOfRange(t *testing.T) {
	d := NewMemDisk(2)
	c := NewCache(d)
	if _, err := c.Get(99); err == 0 {
		t.Fatalf("expected error for out-of-range block")
	}
}
