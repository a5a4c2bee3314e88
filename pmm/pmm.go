// Package pmm is the physical frame allocator: it hands out and reclaims
// single physical page frames, backed by a free list over a fixed PPN
// range, the way the teacher kernel's Physmem_t does (minus its
// multi-core per-CPU free lists, out of scope per this kernel's
// single-CPU Non-goal).
//
// Because this kernel never actually runs on bare RISC-V hardware, the
// allocator owns its physical memory as an ordinary Go byte slice (the
// "arena") instead of describing a real address range walked through a
// direct map; PhysPageNum still indexes it the same way Physmem_t's Pgs
// slice indexes its free list.
package pmm

import (
	"runtime"
	"sync"
	"unsafe"

	"os5k/addr"
	"os5k/kconf"
	"os5k/kstat"
)

// bytesToWords reinterprets a page-sized byte slice as 512 64-bit words,
// the way mem.go's pg2pmap reinterprets a *Pg_t as a *Pmap_t.
func bytesToWords(b []uint8) []uint64 {
	n := len(b) / 8
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), n)
}

/// Allocator is a single-threaded (mutex-guarded) free-list frame pool
/// over [startPPN, startPPN+len(arena)/PageSize).
type Allocator struct {
	mu       sync.Mutex
	startPPN addr.PhysPageNum
	arena    []byte
	free     []uint32 // stack of free frame indices
	used     []bool
}

/// New creates an allocator owning count frames, numbered starting at
/// startPPN.
func New(startPPN addr.PhysPageNum, count int) *Allocator {
	a := &Allocator{
		startPPN: startPPN,
		arena:    make([]byte, count*kconf.PageSize),
		free:     make([]uint32, count),
		used:     make([]bool, count),
	}
	for i := 0; i < count; i++ {
		a.free[i] = uint32(count - 1 - i)
	}
	return a
}

/// Global is the kernel-wide frame pool, analogous to the teacher
/// kernel's package-level Physmem variable. Collaborators that need a
/// frame pool and were not handed one explicitly use this one.
var Global *Allocator

/// Init installs the global frame pool over count frames starting at
/// startPPN.
func Init(startPPN addr.PhysPageNum, count int) {
	Global = New(startPPN, count)
}

func (a *Allocator) indexOf(ppn addr.PhysPageNum) int {
	return int(ppn - a.startPPN)
}

/// FrameTracker exclusively owns one physical frame. Its Release method
/// (the Go stand-in for the original's Drop-based FrameTracker) returns
/// the frame to the pool and zeroes it; a finalizer catches frames
/// dropped on the floor without an explicit Release, matching the
/// guaranteed-release semantics the spec requires of a scoped handle.
type FrameTracker struct {
	pool *Allocator
	ppn  addr.PhysPageNum
}

/// PPN returns the physical page number this tracker owns.
func (f *FrameTracker) PPN() addr.PhysPageNum {
	return f.ppn
}

/// Bytes returns the page-sized byte view of the owned frame.
func (f *FrameTracker) Bytes() []byte {
	return f.pool.PageBytes(f.ppn)
}

/// Release returns the frame to its pool and zeroes it. Calling Release
/// twice is a kernel-internal bug and panics.
func (f *FrameTracker) Release() {
	if f.pool == nil {
		kstat.Panicf("pmm: double release of ppn %#x", f.ppn)
	}
	f.pool.dealloc(f.ppn)
	f.pool = nil
	runtime.SetFinalizer(f, nil)
}

func frameFinalizer(f *FrameTracker) {
	if f.pool != nil {
		kstat.Printf("pmm: frame %#x leaked past its owner, reclaiming via finalizer\n", f.ppn)
		f.pool.dealloc(f.ppn)
	}
}

/// Alloc returns a zeroed frame, or nil if the pool is exhausted.
func (a *Allocator) Alloc() *FrameTracker {
	ppn, ok := a.allocRaw()
	if !ok {
		return nil
	}
	clear(a.PageBytes(ppn))
	ft := &FrameTracker{pool: a, ppn: ppn}
	runtime.SetFinalizer(ft, frameFinalizer)
	return ft
}

func (a *Allocator) allocRaw() (addr.PhysPageNum, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, false
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	if a.used[idx] {
		kstat.Panicf("pmm: frame index %d already in use", idx)
	}
	a.used[idx] = true
	return a.startPPN + addr.PhysPageNum(idx), true
}

func (a *Allocator) dealloc(ppn addr.PhysPageNum) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.indexOf(ppn)
	if idx < 0 || idx >= len(a.used) {
		kstat.Panicf("pmm: dealloc of out-of-range ppn %#x", ppn)
	}
	if !a.used[idx] {
		kstat.Panicf("pmm: double free of ppn %#x", ppn)
	}
	a.used[idx] = false
	a.free = append(a.free, uint32(idx))
	clear(a.pageBytesLocked(idx))
}

/// PageBytes returns the 4 KiB byte view backing ppn.
func (a *Allocator) PageBytes(ppn addr.PhysPageNum) []byte {
	idx := a.indexOf(ppn)
	if idx < 0 || idx >= len(a.used) {
		kstat.Panicf("pmm: access to out-of-range ppn %#x", ppn)
	}
	return a.pageBytesLocked(idx)
}

func (a *Allocator) pageBytesLocked(idx int) []byte {
	off := idx * kconf.PageSize
	return a.arena[off : off+kconf.PageSize]
}

/// PageWords returns the 512-entry uint64 view backing ppn, used by the
/// page table package to reinterpret a frame as an array of page table
/// entries (mirrors mem.go's pg2pmap cast from *Pg_t to *Pmap_t).
func (a *Allocator) PageWords(ppn addr.PhysPageNum) []uint64 {
	return bytesToWords(a.PageBytes(ppn))
}

/// FreeCount reports the number of frames currently available, for
/// diagnostics (grounded on Physmem_t.Pgcount).
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
