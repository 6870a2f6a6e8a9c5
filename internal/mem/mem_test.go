package mem

import (
	"errors"
	"testing"
)

func TestAllocAlignment(t *testing.T) {
	m := New(4096)
	for _, align := range []uint64{16, 64, 256} {
		addr, err := m.Alloc(10, align)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		if addr%align != 0 {
			t.Errorf("addr %#x not aligned to %d", addr, align)
		}
	}
}

func TestAllocNeverReturnsNull(t *testing.T) {
	m := New(4096)
	addr, err := m.Alloc(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if addr == 0 {
		t.Fatal("allocation at the null address")
	}
}

func TestAllocExhaustionAndGrow(t *testing.T) {
	m := New(256)
	if _, err := m.Alloc(512, 16); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	m.Grow(4096)
	if _, err := m.Alloc(512, 16); err != nil {
		t.Fatalf("alloc after grow: %v", err)
	}
}

func TestLoadStore(t *testing.T) {
	m := New(1024)
	addr, err := m.Alloc(16, 8)
	if err != nil {
		t.Fatal(err)
	}
	m.PutU64(addr, 0x1122334455667788)
	m.PutU32(addr+8, 0xCAFEBABE)
	if got := m.U64(addr); got != 0x1122334455667788 {
		t.Errorf("U64 = %#x", got)
	}
	if got := m.U32(addr + 8); got != 0xCAFEBABE {
		t.Errorf("U32 = %#x", got)
	}
	// Little-endian byte order on the wire.
	if b := m.Bytes(addr, 1)[0]; b != 0x88 {
		t.Errorf("first byte = %#x, want 0x88", b)
	}
}

func TestAllocationHandleLifecycle(t *testing.T) {
	var h AllocationHandle
	if h.Ptr() != 0 {
		t.Fatal("fresh handle is committed")
	}
	h.Commit(0x1000)
	if h.Ptr() != 0x1000 {
		t.Fatal("commit not visible")
	}
	h.Discard()
	if h.Ptr() != 0 {
		t.Fatal("discard not visible")
	}
}
