// Package pagetable implements the three-level (SV39-style) page table:
// walk/create, map/unmap a VPN -> PPN with permission flags, and
// translate a virtual address into a physical one. It is grounded on
// original_source/os5's mm/page_table.rs (PageTable::new/from_token/
// find_pte_create/find_pte/map/unmap/translate/translate_va/token) for
// the exact walk semantics, and on the teacher kernel's vm/as.go
// (pmap_walk-style PTE pointer return, PTE_ADDR masking, panic-on-
// corrupt-state discipline) for the Go idiom.
package pagetable

import (
	"unsafe"

	"os5k/addr"
	"os5k/kstat"
	"os5k/pmm"
)

/// PTE is a single 64-bit page-table entry: bits [53:10] carry the
/// physical page number, bits [7:0] carry the flags below.
type PTE uint64

// Flag bits, in the order the spec lists them: V R W X U G A D.
const (
	FlagV PTE = 1 << 0
	FlagR PTE = 1 << 1
	FlagW PTE = 1 << 2
	FlagX PTE = 1 << 3
	FlagU PTE = 1 << 4
	FlagG PTE = 1 << 5
	FlagA PTE = 1 << 6
	FlagD PTE = 1 << 7
)

const ppnShift = 10
const ppnMask = (PTE(1) << 44) - 1
const flagMask = PTE(0xff)

/// NewPTE packs a PPN and flag set into a page table entry.
func NewPTE(ppn addr.PhysPageNum, flags PTE) PTE {
	return PTE(uint64(ppn)<<ppnShift) | (flags & flagMask)
}

/// PPN extracts the physical page number carried by the entry.
func (p PTE) PPN() addr.PhysPageNum {
	return addr.PhysPageNum((uint64(p) >> ppnShift) & uint64(ppnMask))
}

/// Flags extracts the flag bits carried by the entry.
func (p PTE) Flags() PTE {
	return p & flagMask
}

/// Valid reports whether the V bit is set. A PTE with V=0 is empty.
func (p PTE) Valid() bool { return p&FlagV != 0 }

/// Readable reports whether the R bit is set.
func (p PTE) Readable() bool { return p&FlagR != 0 }

/// Writable reports whether the W bit is set.
func (p PTE) Writable() bool { return p&FlagW != 0 }

/// Executable reports whether the X bit is set.
func (p PTE) Executable() bool { return p&FlagX != 0 }

/// User reports whether the U bit is set.
func (p PTE) User() bool { return p&FlagU != 0 }

// ptesOf reinterprets the page backing ppn as 512 page table entries,
// mirroring mem.go's pg2pmap cast of a *Pg_t to a *Pmap_t.
func ptesOf(pool *pmm.Allocator, ppn addr.PhysPageNum) []PTE {
	words := pool.PageWords(ppn)
	return unsafe.Slice((*PTE)(unsafe.Pointer(&words[0])), len(words))
}

/// PageTable owns one root PPN. A table built with New owns every
/// interior frame it ever allocates, released together when Release is
/// called. A table built with FromToken is a borrowed "token view" that
/// shares a root PPN but owns no frames -- callers must not mutate
/// through it, though (as in the original) the type does not enforce
/// that beyond naming.
type PageTable struct {
	pool    *pmm.Allocator
	rootPPN addr.PhysPageNum
	frames  []*pmm.FrameTracker
	token   bool
}

/// New allocates and owns a fresh root frame from pool.
func New(pool *pmm.Allocator) *PageTable {
	root := pool.Alloc()
	if root == nil {
		kstat.Panicf("pagetable: out of memory allocating root frame")
	}
	return &PageTable{pool: pool, rootPPN: root.PPN(), frames: []*pmm.FrameTracker{root}}
}

/// FromToken borrows a root PPN from the low 44 bits of a satp-format
/// token. It owns no frames.
func FromToken(pool *pmm.Allocator, token uintptr) *PageTable {
	return &PageTable{
		pool:    pool,
		rootPPN: addr.PhysPageNum(token & ((1 << 44) - 1)),
		token:   true,
	}
}

/// RootPPN returns the table's root physical page number.
func (pt *PageTable) RootPPN() addr.PhysPageNum { return pt.rootPPN }

/// Pool returns the frame pool this table allocates from. Cross-address-
/// space helpers (package uaccess) use it to get byte views of leaf
/// frames reached by a translation.
func (pt *PageTable) Pool() *pmm.Allocator { return pt.pool }

/// Token returns the satp-format token selecting this table: mode bits
/// (8, for SV39) in the high nibble plus the root PPN.
func (pt *PageTable) Token() uintptr {
	return uintptr(8)<<60 | uintptr(pt.rootPPN)
}

// findPTE walks the three levels toward vpn. If create is true, missing
// interior nodes are allocated and installed with V-only flags along the
// way; tracked frames are appended to pt.frames. Returns nil if a level
// is absent and create is false.
func (pt *PageTable) findPTE(vpn addr.VirtPageNum, create bool) *PTE {
	idxs := vpn.Indexes()
	ppn := pt.rootPPN
	for level, idx := range idxs {
		ptes := ptesOf(pt.pool, ppn)
		pte := &ptes[idx]
		if level == len(idxs)-1 {
			return pte
		}
		if !pte.Valid() {
			if !create {
				return nil
			}
			frame := pt.pool.Alloc()
			if frame == nil {
				kstat.Panicf("pagetable: out of memory allocating interior frame")
			}
			pt.frames = append(pt.frames, frame)
			*pte = NewPTE(frame.PPN(), FlagV)
		}
		ppn = pte.PPN()
	}
	panic("unreachable")
}

/// Map installs vpn -> ppn with the given flags, allocating interior
/// frames as needed. It panics if vpn was already mapped.
func (pt *PageTable) Map(vpn addr.VirtPageNum, ppn addr.PhysPageNum, flags PTE) {
	pte := pt.findPTE(vpn, true)
	if pte.Valid() {
		kstat.Panicf("pagetable: vpn %#x is mapped before mapping", vpn)
	}
	*pte = NewPTE(ppn, flags|FlagV)
}

/// Unmap clears the mapping for vpn. It panics if vpn was not mapped.
/// Interior frames are not reclaimed; they are freed only when the whole
/// table is released.
func (pt *PageTable) Unmap(vpn addr.VirtPageNum) {
	pte := pt.findPTE(vpn, false)
	if pte == nil || !pte.Valid() {
		kstat.Panicf("pagetable: vpn %#x is invalid before unmapping", vpn)
	}
	*pte = 0
}

/// Translate returns the leaf PTE for vpn, or ok=false if any level of
/// the walk is absent.
func (pt *PageTable) Translate(vpn addr.VirtPageNum) (pte PTE, ok bool) {
	p := pt.findPTE(vpn, false)
	if p == nil || !p.Valid() {
		return 0, false
	}
	return *p, true
}

/// TranslateVA translates va.Floor() and adds va.PageOffset().
func (pt *PageTable) TranslateVA(va addr.VirtAddr) (addr.PhysAddr, bool) {
	pte, ok := pt.Translate(va.Floor())
	if !ok {
		return 0, false
	}
	base := pte.PPN().ToPhysAddr()
	return base + addr.PhysAddr(va.PageOffset()), true
}

/// Release frees every interior frame this table owns (a no-op for a
/// borrowed token view, which owns none). Leaf frames are not touched --
/// they belong to the memory set's map areas.
func (pt *PageTable) Release() {
	if pt.token {
		return
	}
	for _, f := range pt.frames {
		f.Release()
	}
	pt.frames = nil
}
