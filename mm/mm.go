// Package mm implements MemorySet: a page table plus the ordered
// collection of MapAreas that describe everything mapped into it. It is
// grounded on the teacher kernel's vm/as.go (Vm_t's region-collection-
// plus-pagetable shape, the Lock_pmap/Unlock_pmap/Lockassert_pmap
// exclusive-cell discipline generalized here to a plain sync.Mutex
// around the region list) and on the ELF-segment-to-framed-area and
// fork-by-byte-copy behavior described in the memory-set specification
// this kernel implements, expressed in the teacher's idiom.
package mm

import (
	"bytes"
	"debug/elf"
	"sort"
	"sync"

	"os5k/addr"
	"os5k/kconf"
	"os5k/kerr"
	"os5k/kstat"
	"os5k/pagetable"
	"os5k/pmm"
)

/// MapPermission carries the R/W/X/U bits of a MapArea, independent of
/// the V/G/A/D bits a PageTable entry also needs. The bit positions
/// match pagetable's flag bits so converting between the two is a
/// direct mask-and-or.
type MapPermission pagetable.PTE

const (
	PermR MapPermission = MapPermission(pagetable.FlagR)
	PermW MapPermission = MapPermission(pagetable.FlagW)
	PermX MapPermission = MapPermission(pagetable.FlagX)
	PermU MapPermission = MapPermission(pagetable.FlagU)
)

func (p MapPermission) toPTEFlags() pagetable.PTE {
	return pagetable.PTE(p) & (pagetable.FlagR | pagetable.FlagW | pagetable.FlagX | pagetable.FlagU)
}

/// MapType distinguishes an area whose VPNs equal their backing PPNs
/// (Identical, used for kernel mappings) from one backed by
/// independently allocated frames (Framed, used for everything in user
/// address spaces).
type MapType int

const (
	Identical MapType = iota
	Framed
)

/// MapArea is a half-open VPN range sharing one MapType and permission
/// set. A Framed area owns one FrameTracker per VPN in its range.
type MapArea struct {
	startVPN, endVPN addr.VirtPageNum
	mapType          MapType
	perm             MapPermission
	frames           map[addr.VirtPageNum]*pmm.FrameTracker
}

func newMapArea(startVA, endVA addr.VirtAddr, mapType MapType, perm MapPermission) *MapArea {
	a := &MapArea{
		startVPN: startVA.Floor(),
		endVPN:   endVA.Ceil(),
		mapType:  mapType,
		perm:     perm,
	}
	if mapType == Framed {
		a.frames = make(map[addr.VirtPageNum]*pmm.FrameTracker)
	}
	return a
}

func (a *MapArea) overlaps(other *MapArea) bool {
	return a.startVPN < other.endVPN && other.startVPN < a.endVPN
}

func (a *MapArea) mapOne(pool *pmm.Allocator, pt *pagetable.PageTable, vpn addr.VirtPageNum) {
	var ppn addr.PhysPageNum
	switch a.mapType {
	case Identical:
		ppn = addr.PhysPageNum(vpn)
	case Framed:
		f := pool.Alloc()
		if f == nil {
			kstat.Panicf("mm: out of memory mapping vpn %#x", vpn)
		}
		a.frames[vpn] = f
		ppn = f.PPN()
	}
	pt.Map(vpn, ppn, a.perm.toPTEFlags())
}

func (a *MapArea) unmapOne(pt *pagetable.PageTable, vpn addr.VirtPageNum) {
	if a.mapType == Framed {
		if f, ok := a.frames[vpn]; ok {
			f.Release()
			delete(a.frames, vpn)
		}
	}
	pt.Unmap(vpn)
}

func (a *MapArea) mapAll(pool *pmm.Allocator, pt *pagetable.PageTable) {
	for vpn := a.startVPN; vpn < a.endVPN; vpn = vpn.Step() {
		a.mapOne(pool, pt, vpn)
	}
}

func (a *MapArea) unmapAll(pt *pagetable.PageTable) {
	for vpn := a.startVPN; vpn < a.endVPN; vpn = vpn.Step() {
		a.unmapOne(pt, vpn)
	}
}

// copyDataFrom copies dst's range page by page into dst's already-mapped
// frames, reading each source page through srcPT; used by
// from_existed_user to clone a parent's framed areas.
func copyDataFrom(pool *pmm.Allocator, dst, src *MapArea, srcPT *pagetable.PageTable) {
	for vpn := dst.startVPN; vpn < dst.endVPN; vpn = vpn.Step() {
		srcPTE, ok := srcPT.Translate(vpn)
		if !ok {
			kstat.Panicf("mm: source vpn %#x unmapped during clone", vpn)
		}
		srcBytes := pool.PageBytes(srcPTE.PPN())
		dstFrame := dst.frames[vpn]
		copy(dstFrame.Bytes(), srcBytes)
	}
}

/// MemorySet is a page table plus the ordered, non-overlapping MapAreas
/// that describe everything reachable through it.
type MemorySet struct {
	mu    sync.Mutex
	pool  *pmm.Allocator
	pt    *pagetable.PageTable
	areas []*MapArea
}

/// NewBare returns an empty address space: only a fresh root page
/// table, no areas.
func NewBare(pool *pmm.Allocator) *MemorySet {
	return &MemorySet{pool: pool, pt: pagetable.New(pool)}
}

/// Token returns the page table's satp-format token.
func (ms *MemorySet) Token() uintptr {
	return ms.pt.Token()
}

/// PageTable exposes the underlying table, for collaborators (the
/// trap/syscall layer) that need to build a token view of user memory
/// via pagetable.FromToken, or borrow it directly.
func (ms *MemorySet) PageTable() *pagetable.PageTable {
	return ms.pt
}

/// TrapContextBytes returns the kernel-addressable byte view of this
/// address space's trap-context page, for the task layer to place and
/// update the TrapContext in.
func (ms *MemorySet) TrapContextBytes() []byte {
	pte, ok := ms.pt.Translate(addr.VirtAddr(kconf.TrapContextVA).Floor())
	if !ok {
		kstat.Panicf("mm: trap-context page is unmapped")
	}
	return ms.pool.PageBytes(pte.PPN())
}

func (ms *MemorySet) push(area *MapArea, data []byte) error {
	for _, existing := range ms.areas {
		if area.overlaps(existing) {
			return kerr.EINVAL
		}
	}
	area.mapAll(ms.pool, ms.pt)
	if data != nil {
		writeAreaData(ms.pool, ms.pt, area, data)
	}
	ms.areas = append(ms.areas, area)
	return nil
}

// writeAreaData copies data into the just-mapped frames of area, page
// by page, zero-filling any trailing bytes (memsz beyond filesz).
func writeAreaData(pool *pmm.Allocator, pt *pagetable.PageTable, area *MapArea, data []byte) {
	off := 0
	for vpn := area.startVPN; vpn < area.endVPN && off < len(data); vpn = vpn.Step() {
		pte, ok := pt.Translate(vpn)
		if !ok {
			kstat.Panicf("mm: freshly mapped vpn %#x is unmapped", vpn)
		}
		dst := pool.PageBytes(pte.PPN())
		n := copy(dst, data[off:])
		off += n
	}
}

/// InsertFramedArea adds a new Framed MapArea over [startVA, endVA),
/// with permission perm. It fails with EINVAL if the range overlaps an
/// existing area.
func (ms *MemorySet) InsertFramedArea(startVA, endVA addr.VirtAddr, perm MapPermission) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.push(newMapArea(startVA, endVA, Framed, perm), nil)
}

// installTrampoline maps the single, shared trampoline physical page at
// the fixed trampoline VA. It is not tracked as a MapArea: every
// address space maps the same physical page there, and it is never
// unmapped or iterated with the rest of user memory.
func (ms *MemorySet) installTrampoline(trampolinePPN addr.PhysPageNum) {
	vpn := addr.VirtAddr(kconf.TrampolineVA).Floor()
	ms.pt.Map(vpn, trampolinePPN, pagetable.FlagR|pagetable.FlagX)
}

/// KernelSection describes one identity-mapped range of the kernel's
/// own address space (text, rodata, data+bss, or the physical frame
/// pool's direct map), installed by NewKernel.
type KernelSection struct {
	StartVA, EndVA addr.VirtAddr
	Perm           MapPermission
}

/// NewKernel builds the kernel's own address space: an Identical
/// mapping for each of sections (kernel text/rodata/data/bss and the
/// physical frame pool, per the caller's boot-time layout) plus the
/// trampoline.
func NewKernel(pool *pmm.Allocator, sections []KernelSection, trampolinePPN addr.PhysPageNum) *MemorySet {
	ms := NewBare(pool)
	for _, s := range sections {
		if err := ms.push(newMapArea(s.StartVA, s.EndVA, Identical, s.Perm), nil); err != nil {
			kstat.Panicf("mm: kernel section %#x-%#x overlaps an earlier one", s.StartVA, s.EndVA)
		}
	}
	ms.installTrampoline(trampolinePPN)
	return ms
}

// elfPermission converts an ELF program header's R/W/X flags into a
// MapPermission with U always set, matching every user segment being
// user-accessible.
func elfPermission(flags elf.ProgFlag) MapPermission {
	perm := PermU
	if flags&elf.PF_R != 0 {
		perm |= PermR
	}
	if flags&elf.PF_W != 0 {
		perm |= PermW
	}
	if flags&elf.PF_X != 0 {
		perm |= PermX
	}
	return perm
}

/// FromELF parses an ELF image's LOAD segments into framed MapAreas,
/// installs a guarded user stack above the highest loaded VA, and maps
/// the trampoline and trap-context page. It returns the new MemorySet,
/// the initial user stack pointer, and the entry point.
func FromELF(pool *pmm.Allocator, trampolinePPN addr.PhysPageNum, data []byte) (ms *MemorySet, userSP uintptr, entry uintptr, err error) {
	f, ferr := elf.NewFile(bytes.NewReader(data))
	if ferr != nil {
		return nil, 0, 0, kerr.EINVAL
	}

	ms = NewBare(pool)

	var maxEnd addr.VirtAddr
	progs := make([]*elf.Prog, 0, len(f.Progs))
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			progs = append(progs, p)
		}
	}
	sort.Slice(progs, func(i, j int) bool { return progs[i].Vaddr < progs[j].Vaddr })

	for _, p := range progs {
		startVA := addr.VirtAddr(p.Vaddr)
		endVA := addr.VirtAddr(p.Vaddr + p.Memsz)
		segData := make([]byte, p.Filesz)
		if _, rerr := p.ReadAt(segData, 0); rerr != nil {
			return nil, 0, 0, kerr.EINVAL
		}
		area := newMapArea(startVA, endVA, Framed, elfPermission(p.Flags))
		if perr := ms.push(area, segData); perr != nil {
			return nil, 0, 0, perr
		}
		if endVA > maxEnd {
			maxEnd = endVA
		}
	}

	userStackBottom := addr.VirtAddr(uintptr(maxEnd.Ceil().ToVirtAddr()) + uintptr(kconf.UserStackGuardSize))
	userStackTop := addr.VirtAddr(uintptr(userStackBottom) + uintptr(kconf.UserStackSize))
	if perr := ms.push(newMapArea(userStackBottom, userStackTop, Framed, PermR|PermW|PermU), nil); perr != nil {
		return nil, 0, 0, perr
	}

	trapCtxVA := addr.VirtAddr(kconf.TrapContextVA)
	if perr := ms.push(newMapArea(trapCtxVA, addr.VirtAddr(uintptr(trapCtxVA)+uintptr(kconf.PageSize)), Framed, PermR|PermW), nil); perr != nil {
		return nil, 0, 0, perr
	}
	ms.installTrampoline(trampolinePPN)

	return ms, uintptr(userStackTop), uintptr(f.Entry), nil
}

/// FromExistedUser clones parent's address space: the same VPN ranges,
/// each backed by fresh frames, with every page byte-copied from the
/// parent.
func FromExistedUser(parent *MemorySet) *MemorySet {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	child := NewBare(parent.pool)
	for _, pa := range parent.areas {
		ca := &MapArea{startVPN: pa.startVPN, endVPN: pa.endVPN, mapType: pa.mapType, perm: pa.perm}
		if pa.mapType == Framed {
			ca.frames = make(map[addr.VirtPageNum]*pmm.FrameTracker)
		}
		ca.mapAll(child.pool, child.pt)
		if pa.mapType == Framed {
			copyDataFrom(child.pool, ca, pa, parent.pt)
		}
		child.areas = append(child.areas, ca)
	}
	trampVPN := addr.VirtAddr(kconf.TrampolineVA).Floor()
	if pte, ok := parent.pt.Translate(trampVPN); ok {
		child.installTrampoline(pte.PPN())
	}
	return child
}

// portToPerm converts an mmap port (low 3 bits R=1,W=2,X=4) into a
// MapPermission with U always set, per the mmap contract.
func portToPerm(port int) MapPermission {
	perm := PermU
	if port&0x1 != 0 {
		perm |= PermR
	}
	if port&0x2 != 0 {
		perm |= PermW
	}
	if port&0x4 != 0 {
		perm |= PermX
	}
	return perm
}

/// Mmap inserts a new framed area over [startVA, endVA) with the
/// permission encoded in port's low three bits (R=1, W=2, X=4; U is
/// always set). It returns 0 on success, -1 if any VPN in the range is
/// already mapped (checked before any mapping is installed: all or
/// nothing).
func (ms *MemorySet) Mmap(startVA, endVA addr.VirtAddr, port int) int64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	candidate := newMapArea(startVA, endVA, Framed, portToPerm(port))
	for vpn := candidate.startVPN; vpn < candidate.endVPN; vpn = vpn.Step() {
		if _, ok := ms.pt.Translate(vpn); ok {
			return -1
		}
	}
	if err := ms.push(candidate, nil); err != nil {
		return -1
	}
	return 0
}

/// Munmap removes the areas lying wholly inside [startVA, endVA),
/// releasing their frames. It returns -1 if any VPN in the range is
/// unmapped, and 0 otherwise. Areas are not split: an area the range
/// covers only in part stays mapped, and the call still returns 0.
/// This mirrors the looser, non-alignment-checking behavior the
/// original implementation shows (see the mmap/munmap open question).
func (ms *MemorySet) Munmap(startVA, endVA addr.VirtAddr) int64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	startVPN, endVPN := startVA.Floor(), endVA.Ceil()
	for vpn := startVPN; vpn < endVPN; vpn = vpn.Step() {
		if _, ok := ms.pt.Translate(vpn); !ok {
			return -1
		}
	}

	var kept []*MapArea
	for _, a := range ms.areas {
		if a.startVPN >= startVPN && a.endVPN <= endVPN {
			a.unmapAll(ms.pt)
			continue
		}
		kept = append(kept, a)
	}
	ms.areas = kept
	return 0
}

/// Release unmaps and frees every area this address space owns. The
/// trampoline mapping (never tracked as an area) and the root page
/// table frame are released last, via the page table itself.
func (ms *MemorySet) Release() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, a := range ms.areas {
		a.unmapAll(ms.pt)
	}
	ms.areas = nil
	ms.pt.Release()
}
