package pagetable

import (
	"testing"

	"os5k/addr"
	"os5k/pmm"
)

func newTestTable(t *testing.T) (*PageTable, *pmm.Allocator) {
	t.Helper()
	pool := pmm.New(addr.PhysPageNum(0x1000), 64)
	return New(pool), pool
}

func TestMapTranslateUnmap(t *testing.T) {
	pt, _ := newTestTable(t)
	vpn := addr.VirtPageNum(0x1_2345)
	ppn := addr.PhysPageNum(0xABCDE)

	pt.Map(vpn, ppn, FlagR|FlagW|FlagU)

	pte, ok := pt.Translate(vpn)
	if !ok {
		t.Fatal("expected translation to succeed after map")
	}
	if pte.PPN() != ppn {
		t.Fatalf("translate PPN = %#x, want %#x", pte.PPN(), ppn)
	}
	if !pte.Valid() || !pte.Readable() || !pte.Writable() || !pte.User() {
		t.Fatalf("unexpected flags: %#x", pte.Flags())
	}
	if pte.Executable() {
		t.Fatal("X flag unexpectedly set")
	}

	pt.Unmap(vpn)
	if _, ok := pt.Translate(vpn); ok {
		t.Fatal("expected translation to fail after unmap")
	}
}

func TestDoubleMapPanics(t *testing.T) {
	pt, _ := newTestTable(t)
	vpn := addr.VirtPageNum(1)
	pt.Map(vpn, 1, FlagR)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic remapping an already-mapped vpn")
		}
	}()
	pt.Map(vpn, 2, FlagR)
}

func TestDoubleUnmapPanics(t *testing.T) {
	pt, _ := newTestTable(t)
	vpn := addr.VirtPageNum(1)
	pt.Map(vpn, 1, FlagR)
	pt.Unmap(vpn)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic unmapping an already-unmapped vpn")
		}
	}()
	pt.Unmap(vpn)
}

func TestTranslateVA(t *testing.T) {
	pt, _ := newTestTable(t)
	vpn := addr.VirtPageNum(7)
	pt.Map(vpn, 0x42, FlagR|FlagW)

	va := vpn.ToVirtAddr() + 0x123
	pa, ok := pt.TranslateVA(addr.VirtAddr(va))
	if !ok {
		t.Fatal("expected translate_va to succeed")
	}
	want := addr.PhysPageNum(0x42).ToPhysAddr() + 0x123
	if pa != want {
		t.Fatalf("TranslateVA = %#x, want %#x", pa, want)
	}
}

func TestTokenFormat(t *testing.T) {
	pt, _ := newTestTable(t)
	tok := pt.Token()
	if tok>>60 != 8 {
		t.Fatalf("token mode bits = %#x, want 8", tok>>60)
	}
	if addr.PhysPageNum(tok&((1<<44)-1)) != pt.RootPPN() {
		t.Fatal("token low bits do not carry the root PPN")
	}
}

func TestFromTokenOwnsNoFrames(t *testing.T) {
	pt, pool := newTestTable(t)
	vpn := addr.VirtPageNum(3)
	pt.Map(vpn, 0x99, FlagR)

	view := FromToken(pool, pt.Token())
	pte, ok := view.Translate(vpn)
	if !ok || pte.PPN() != 0x99 {
		t.Fatal("token view did not see the owning table's mapping")
	}
	// Release on a token view must not free interior frames it does not own.
	view.Release()
	if _, ok := pt.Translate(vpn); !ok {
		t.Fatal("releasing a token view freed frames owned by the real table")
	}
}

func TestReleaseFreesInteriorFrames(t *testing.T) {
	pool := pmm.New(addr.PhysPageNum(0x1000), 64)
	total := pool.FreeCount()
	pt := New(pool)
	afterRoot := pool.FreeCount()
	if afterRoot != total-1 {
		t.Fatalf("FreeCount after New = %d, want %d", afterRoot, total-1)
	}
	pt.Map(addr.VirtPageNum(0x1_2345), 0xAA, FlagR)
	afterMap := pool.FreeCount()
	if afterMap >= afterRoot {
		t.Fatal("expected map to consume frames for interior nodes")
	}
	pt.Release()
	if pool.FreeCount() != total {
		t.Fatalf("FreeCount after release = %d, want %d", pool.FreeCount(), total)
	}
}

func TestUnmappedTranslateIsNone(t *testing.T) {
	pt, _ := newTestTable(t)
	if _, ok := pt.Translate(addr.VirtPageNum(123)); ok {
		t.Fatal("expected translation of unmapped vpn to fail")
	}
}
