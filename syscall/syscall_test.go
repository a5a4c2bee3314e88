package syscall

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
	"unsafe"

	"os5k/addr"
	"os5k/clock"
	"os5k/kconf"
	"os5k/loader"
	"os5k/mm"
	"os5k/pagetable"
	"os5k/pmm"
	"os5k/proc"
	"os5k/sched"
	"os5k/task"
)

// buildTestELF produces a minimal one-segment ELF64 image loaded at
// vaddr, with the given segment flags, zero-padded to one page.
func buildTestELF(vaddr uint64, flags elf.ProgFlag) []byte {
	const ehsize = 64
	const phentsize = 56
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     vaddr,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     1,
	}
	copy(hdr.Ident[:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	ph := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(flags),
		Off:    ehsize + phentsize,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: 4096,
		Memsz:  4096,
		Align:  4096,
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	binary.Write(&buf, binary.LittleEndian, ph)
	buf.Write(make([]byte, 4096))
	return buf.Bytes()
}

// rwxELF is loaded at 0x1000, readable/writable/executable, so tests can
// stash scratch data (paths, exit-code slots) directly in the loaded page.
func rwxELF() []byte {
	return buildTestELF(0x1000, elf.PF_R|elf.PF_W|elf.PF_X)
}

func newTestKernel(t *testing.T) (*Kernel, *pmm.Allocator) {
	t.Helper()
	proc.TakeCurrent() // drop any task left current by a previous test
	pool := pmm.New(addr.PhysPageNum(0x80000), 1024)
	trampoline := pool.Alloc()
	task.SetKernelSpace(mm.NewKernel(pool, nil, trampoline.PPN()))

	k := &Kernel{
		Pool:          pool,
		TrampolinePPN: trampoline.PPN(),
		Manager:       sched.New(),
	}
	initTask, err := task.New(pool, task.AllocPID(), k.TrampolinePPN, rwxELF())
	if err != nil {
		t.Fatalf("task.New(init): %v", err)
	}
	k.InitTask = initTask
	return k, pool
}

func runAsCurrent(m *sched.Manager, t *task.TCB) {
	m.Add(t)
	proc.RunOnce(m)
}

func writeUserBytes(pool *pmm.Allocator, token uintptr, va uintptr, data []byte) {
	pt := pagetable.FromToken(pool, token)
	for i, b := range data {
		pa, ok := pt.TranslateVA(addr.VirtAddr(va + uintptr(i)))
		if !ok {
			panic("writeUserBytes: unmapped va")
		}
		pool.PageBytes(pa.Floor())[pa.PageOffset()] = b
	}
}

func readUserInt32(pool *pmm.Allocator, token uintptr, va uintptr) int32 {
	pt := pagetable.FromToken(pool, token)
	pa, ok := pt.TranslateVA(addr.VirtAddr(va))
	if !ok {
		panic("readUserInt32: unmapped va")
	}
	pg := pool.PageBytes(pa.Floor())
	return *(*int32)(unsafe.Pointer(&pg[pa.PageOffset()]))
}

func TestForkWaitpidRoundTrip(t *testing.T) {
	k, pool := newTestKernel(t)
	parent, err := task.New(pool, task.AllocPID(), k.TrampolinePPN, rwxELF())
	if err != nil {
		t.Fatalf("task.New(parent): %v", err)
	}
	runAsCurrent(k.Manager, parent)

	childPid := k.Fork()
	if childPid <= 0 {
		t.Fatalf("Fork() = %d, want a positive child pid", childPid)
	}

	// Switch into the child and have it exit with a distinctive code.
	proc.RunOnce(k.Manager)
	k.Exit(42)

	// Resume the parent (it never yielded, so it is simply rescheduled).
	runAsCurrent(k.Manager, parent)

	const exitCodeSlot = uintptr(0x1100)
	ret := k.Waitpid(-1, exitCodeSlot)
	if ret != childPid {
		t.Fatalf("Waitpid(-1, ...) = %d, want %d", ret, childPid)
	}
	if got := readUserInt32(pool, parent.Token(), exitCodeSlot); got != 42 {
		t.Fatalf("exit code written to user memory = %d, want 42", got)
	}
	if len(parent.Children()) != 0 {
		t.Fatal("waited-on child must be removed from the parent's child list")
	}
}

func TestWaitpidNoMatchingChildReturnsMinus1(t *testing.T) {
	k, pool := newTestKernel(t)
	parent, err := task.New(pool, task.AllocPID(), k.TrampolinePPN, rwxELF())
	if err != nil {
		t.Fatalf("task.New(parent): %v", err)
	}
	runAsCurrent(k.Manager, parent)

	if ret := k.Waitpid(999, 0x1100); ret != -1 {
		t.Fatalf("Waitpid on a nonexistent child = %d, want -1", ret)
	}
}

func TestWaitpidChildNotZombieReturnsMinus2(t *testing.T) {
	k, pool := newTestKernel(t)
	parent, err := task.New(pool, task.AllocPID(), k.TrampolinePPN, rwxELF())
	if err != nil {
		t.Fatalf("task.New(parent): %v", err)
	}
	runAsCurrent(k.Manager, parent)

	childPid := k.Fork()
	if childPid <= 0 {
		t.Fatalf("Fork() = %d", childPid)
	}
	// Child is still Ready (never run), so no zombie matches yet.
	if ret := k.Waitpid(int(childPid), 0x1100); ret != -2 {
		t.Fatalf("Waitpid on a live child = %d, want -2", ret)
	}
}

func TestSpawnDoesNotCopyParentAddressSpace(t *testing.T) {
	k, pool := newTestKernel(t)
	parent, err := task.New(pool, task.AllocPID(), k.TrampolinePPN, rwxELF())
	if err != nil {
		t.Fatalf("task.New(parent): %v", err)
	}
	runAsCurrent(k.Manager, parent)

	loader.Register("child-app", buildTestELF(0x2000, elf.PF_R|elf.PF_X))
	const pathVA = uintptr(0x1800)
	writeUserBytes(pool, parent.Token(), pathVA, append([]byte("child-app"), 0))

	childPid := k.Spawn(pathVA)
	if childPid <= 0 {
		t.Fatalf("Spawn() = %d, want a positive child pid", childPid)
	}

	var child *task.TCB
	for _, c := range parent.Children() {
		if int64(c.Pid) == childPid {
			child = c
		}
	}
	if child == nil {
		t.Fatal("spawned child was not wired into the parent's child list")
	}
	if child.MemorySet() == parent.MemorySet() {
		t.Fatal("spawn must not share the parent's address space")
	}
	if child.TrapContext().Sepc != 0x2000 {
		t.Fatalf("spawned child entry = %#x, want 0x2000", child.TrapContext().Sepc)
	}
	if child.TrapContext().X[10] != 0 {
		t.Fatal("spawned child's a0 must be forced to 0")
	}
}

func TestExecReplacesAddressSpacePreservingPID(t *testing.T) {
	k, pool := newTestKernel(t)
	self, err := task.New(pool, task.AllocPID(), k.TrampolinePPN, rwxELF())
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	runAsCurrent(k.Manager, self)

	loader.Register("replacement", buildTestELF(0x4000, elf.PF_R|elf.PF_X))
	const pathVA = uintptr(0x1800)
	writeUserBytes(pool, self.Token(), pathVA, append([]byte("replacement"), 0))

	pid := self.Pid
	kStack := self.KernelStackTop
	if ret := k.Exec(pathVA); ret != 0 {
		t.Fatalf("Exec() = %d, want 0", ret)
	}
	if self.Pid != pid {
		t.Fatalf("Exec must preserve PID, got %d want %d", self.Pid, pid)
	}
	if self.KernelStackTop != kStack {
		t.Fatal("Exec must preserve the kernel stack")
	}
	if self.TrapContext().Sepc != 0x4000 {
		t.Fatalf("post-exec entry = %#x, want 0x4000", self.TrapContext().Sepc)
	}
}

func TestSetPriorityGuard(t *testing.T) {
	k, pool := newTestKernel(t)
	self, err := task.New(pool, task.AllocPID(), k.TrampolinePPN, rwxELF())
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	runAsCurrent(k.Manager, self)

	if ret := k.SetPriority(1); ret != -1 {
		t.Fatalf("SetPriority(1) = %d, want -1", ret)
	}
	if ret := k.SetPriority(5); ret != 5 {
		t.Fatalf("SetPriority(5) = %d, want 5", ret)
	}
	if self.Priority() != 5 {
		t.Fatalf("priority after SetPriority(5) = %d, want 5", self.Priority())
	}
}

func TestMmapMunmapValidationAndRoundTrip(t *testing.T) {
	k, pool := newTestKernel(t)
	self, err := task.New(pool, task.AllocPID(), k.TrampolinePPN, rwxELF())
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	runAsCurrent(k.Manager, self)

	const base = uintptr(0x3000_0000)
	if ret := k.Mmap(base+1, uintptr(kconf.PageSize), 0x3); ret != -1 {
		t.Fatalf("Mmap with unaligned start = %d, want -1", ret)
	}
	if ret := k.Mmap(base, uintptr(kconf.PageSize), 0x0); ret != -1 {
		t.Fatalf("Mmap with no permission bits = %d, want -1", ret)
	}
	if ret := k.Mmap(base, uintptr(kconf.PageSize), 0x9); ret != -1 {
		t.Fatalf("Mmap with an out-of-range port = %d, want -1", ret)
	}
	if ret := k.Mmap(base, 0, 0x3); ret != 0 {
		t.Fatalf("Mmap with zero length = %d, want 0 (no-op)", ret)
	}

	if ret := k.Mmap(base, uintptr(2*kconf.PageSize), 0x3); ret != 0 {
		t.Fatalf("Mmap happy path = %d, want 0", ret)
	}
	if ret := k.Mmap(base, uintptr(kconf.PageSize), 0x1); ret != -1 {
		t.Fatalf("Mmap over an already-mapped range = %d, want -1", ret)
	}
	if ret := k.Munmap(base, uintptr(2*kconf.PageSize)); ret != 0 {
		t.Fatalf("Munmap happy path = %d, want 0", ret)
	}
	if ret := k.Munmap(base, uintptr(kconf.PageSize)); ret != -1 {
		t.Fatalf("Munmap of an already-unmapped range = %d, want -1", ret)
	}
	if ret := k.Mmap(base, uintptr(kconf.PageSize), 0x7); ret != 0 {
		t.Fatalf("remapping after munmap = %d, want 0", ret)
	}
}

func TestGetTimeWritesAcrossPageBoundary(t *testing.T) {
	k, pool := newTestKernel(t)
	self, err := task.New(pool, task.AllocPID(), k.TrampolinePPN, rwxELF())
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	runAsCurrent(k.Manager, self)

	// The user stack spans two contiguous pages starting at 0x3000 for
	// this single-page ELF image (see mm.FromELF's layout); place the
	// 16-byte TimeVal 8 bytes before the boundary between them.
	const userStackBottom = uintptr(0x3000)
	const tsVA = userStackBottom + uintptr(kconf.PageSize) - 8

	defer func(orig func() int64) { clock.Now = orig }(clock.Now)
	clock.Now = func() int64 { return 1_500_000 }

	if ret := k.GetTime(tsVA); ret != 0 {
		t.Fatalf("GetTime() = %d, want 0", ret)
	}

	pt := pagetable.FromToken(pool, self.Token())
	bufs := sliceAt(pt, pool, tsVA, 16)
	var raw [16]byte
	off := 0
	for _, b := range bufs {
		off += copy(raw[off:], b)
	}
	var tv TimeVal
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&tv)), 16), raw[:])
	if tv.Sec != 1 || tv.Usec != 500_000 {
		t.Fatalf("TimeVal = {%d, %d}, want {1, 500000}", tv.Sec, tv.Usec)
	}
}

// sliceAt mirrors TranslatedByteBuffer's per-page split for the test's
// own read-back verification.
func sliceAt(pt *pagetable.PageTable, pool *pmm.Allocator, va uintptr, length int) [][]byte {
	var out [][]byte
	start := va
	end := va + uintptr(length)
	for start < end {
		pa, ok := pt.TranslateVA(addr.VirtAddr(start))
		if !ok {
			panic("sliceAt: unmapped va")
		}
		pg := pool.PageBytes(pa.Floor())
		off := pa.PageOffset()
		pageEnd := uintptr(kconf.PageSize)
		remaining := end - start
		if uintptr(pageEnd)-off > remaining {
			pageEnd = off + remaining
		}
		out = append(out, pg[off:pageEnd])
		start += pageEnd - off
	}
	return out
}

func TestTaskInfoReportsStatusAndSyscallCounts(t *testing.T) {
	k, pool := newTestKernel(t)
	self, err := task.New(pool, task.AllocPID(), k.TrampolinePPN, rwxELF())
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	runAsCurrent(k.Manager, self)
	self.RecordSyscall(5)
	self.RecordSyscall(5)

	const tiVA = uintptr(0x1200)
	if ret := k.TaskInfo(tiVA); ret != 0 {
		t.Fatalf("TaskInfo() = %d, want 0", ret)
	}

	pt := pagetable.FromToken(pool, self.Token())
	bufs := sliceAt(pt, pool, tiVA, int(unsafe.Sizeof(TaskInfo{})))
	raw := make([]byte, unsafe.Sizeof(TaskInfo{}))
	off := 0
	for _, b := range bufs {
		off += copy(raw[off:], b)
	}
	var ti TaskInfo
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&ti)), len(raw)), raw)
	if ti.Status != task.Running {
		t.Fatalf("TaskInfo.Status = %v, want Running", ti.Status)
	}
	if ti.SyscallTimes[5] != 2 {
		t.Fatalf("TaskInfo.SyscallTimes[5] = %d, want 2", ti.SyscallTimes[5])
	}
}
