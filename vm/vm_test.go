package vm

import (
	"labkernel/block"
	"labkernel/mem"
	"testing"
)

func newTestAllocator(npages int) *mem.Allocator {
	d := block.NewMemDisk(4 + mem.NSwapSlots*mem.BlocksPerPage)
	c := block.NewCache(d)
	return mem.NewAllocator(npages, c, 4)
}

func TestAddMapWriteReadRoundtrip(t *testing.T) {
	as := NewAddressSpace(newTestAllocator(16))
	if err := as.AddMap(Heap, HeapBase, PGSIZE, true); err != 0 {
		t.Fatalf("AddMap: %v", err)
	}
	data := []byte("hello, heap")
	if err := as.WriteVA(HeapBase, data); err != 0 {
		t.Fatalf("WriteVA: %v", err)
	}
	got, err := as.ReadVA(HeapBase, len(data))
	if err != 0 {
		t.Fatalf("ReadVA: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("expected %q, got %q", data, got)
	}
}

func TestDelMapFreesFrames(t *testing.T) {
	a := newTestAllocator(2)
	as := NewAddressSpace(a)
	if err := as.AddMap(Heap, HeapBase, 2*PGSIZE, true); err != 0 {
		t.Fatalf("AddMap: %v", err)
	}
	if free := a.FreePages(); free != 0 {
		t.Fatalf("expected 0 free pages after mapping both, got %d", free)
	}
	as.DelMap(Heap, HeapBase, 2*PGSIZE)
	if free := a.FreePages(); free != 2 {
		t.Fatalf("expected 2 free pages after DelMap, got %d", free)
	}
}

func TestShallowCopyIsCOWUntilWrite(t *testing.T) {
	a := newTestAllocator(16)
	parent := NewAddressSpace(a)
	if err := parent.AddMap(Heap, HeapBase, PGSIZE, true); err != 0 {
		t.Fatalf("AddMap: %v", err)
	}
	if err := parent.WriteVA(HeapBase, []byte("parent data")); err != 0 {
		t.Fatalf("WriteVA: %v", err)
	}

	child := NewAddressSpace(a)
	ShallowCopy(child, parent)

	// Reading through the child must not force a private copy.
	got, err := child.ReadVA(HeapBase, len("parent data"))
	if err != 0 || string(got) != "parent data" {
		t.Fatalf("child ReadVA: got %q err %v", got, err)
	}

	// Writing through the child must not disturb the parent's page.
	if err := child.WriteVA(HeapBase, []byte("child!!!!!!")); err != 0 {
		t.Fatalf("child WriteVA: %v", err)
	}
	parentData, err := parent.ReadVA(HeapBase, len("parent data"))
	if err != 0 || string(parentData) != "parent data" {
		t.Fatalf("expected parent page untouched, got %q err %v", parentData, err)
	}
	childData, err := child.ReadVA(HeapBase, len("child!!!!!!"))
	if err != 0 || string(childData) != "child!!!!!!" {
		t.Fatalf("expected child page updated, got %q err %v", childData, err)
	}
}

func TestTeardownFreesAllFrames(t *testing.T) {
	a := newTestAllocator(4)
	as := NewAddressSpace(a)
	if err := as.AddMap(Heap, HeapBase, 3*PGSIZE, true); err != 0 {
		t.Fatalf("AddMap: %v", err)
	}
	as.Teardown()
	if free := a.FreePages(); free != 4 {
		t.Fatalf("expected all 4 pages free after Teardown, got %d", free)
	}
}
