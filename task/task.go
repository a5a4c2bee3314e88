// Package task implements the task control block: a task's stable
// identity (PID, kernel stack) plus the mutable state every reschedule
// point and syscall handler reads or writes. It is grounded on the
// teacher kernel's accnt/accnt.go (Accnt_t's mutex-guarded snapshot
// style for per-task bookkeeping) and tinfo/tinfo.go (Tnote_t/
// Threadinfo_t's identity-plus-mutable-note split), generalized to the
// fields original_source/os5's task.rs would hold (not retrieved in
// full; its shape follows spec.md directly, expressed as a
// sync.Mutex-guarded plain struct rather than channels, matching how
// the teacher protects Vm_t and Accnt_t).
package task

import (
	"sync"
	"unsafe"

	"os5k/addr"
	"os5k/kconf"
	"os5k/mm"
	"os5k/pmm"
	"os5k/trapframe"
)

/// Status is a task's scheduling state.
type Status int

const (
	Ready Status = iota
	Running
	Zombie
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

/// Pass is a task's stride-scheduler virtual time. Comparison tolerates
/// wrap-around: see Less.
type Pass uint64

/// Less implements the half-range, wrap-tolerant comparison: p < q iff
/// (p <= q) XOR (|p - q| > BIG_STRIDE/2). Equality always compares
/// false, so two equal passes are neither less than the other.
func (p Pass) Less(q Pass) bool {
	if p == q {
		return false
	}
	var diff uint64
	if p > q {
		diff = uint64(p - q)
	} else {
		diff = uint64(q - p)
	}
	overflow := diff > kconf.BigStride/2
	le := p <= q
	return le != overflow
}

func strideFor(priority int) uint64 {
	s := kconf.BigStride / uint64(priority)
	if s == 0 {
		s = 1
	}
	return s
}

// kernelSpace is the kernel's own address space, installed once at boot
// via SetKernelSpace; New/Fork/Spawn map each task's kernel stack into
// it, and ReleaseKernelStack unmaps it from there once waitpid reaps the
// task.
var kernelSpace *mm.MemorySet

var (
	pidMu  sync.Mutex
	nextPID = 1
)

/// AllocPID hands out the next PID. PID 0 is reserved for the init task,
/// which the bootstrap collaborator constructs directly via New rather
/// than through this allocator.
func AllocPID() int {
	pidMu.Lock()
	defer pidMu.Unlock()
	pid := nextPID
	nextPID++
	return pid
}

/// SetKernelSpace installs the kernel address space that kernel stacks
/// are mapped into. Must be called once, before the first task is
/// created.
func SetKernelSpace(ms *mm.MemorySet) { kernelSpace = ms }

/// TCB is a task control block: stable identity fields plus a
/// mutex-guarded mutable record. Every reschedule path must copy out
/// whatever it needs and release the lock before calling
/// trapframe.Switch; holding it across a switch poisons the cell for
/// the next scheduling round.
type TCB struct {
	Pid               int
	KernelStackBottom uintptr
	KernelStackTop    uintptr

	mu sync.Mutex
	// parent is a plain pointer: Go has no Rust Weak<T>. Validity relies
	// on the reparent-to-init invariant, never a dangling ref.
	parent       *TCB
	status       Status
	context      trapframe.SavedCtx
	memSet       *mm.MemorySet
	children     []*TCB
	exitCode     int32
	syscallTimes [kconf.MaxSyscallNum]uint32
	startTime    int64
	priority     int
	pass         Pass
}

const defaultPriority = 16
const trapReturnMarker = uint64(1) // opaque stand-in for trap_return's address

func newKernelStack(pid int) (bottom, top uintptr, err error) {
	bottom, top = kconf.KernelStackPosition(pid)
	if e := kernelSpace.InsertFramedArea(addr.VirtAddr(bottom), addr.VirtAddr(top), mm.PermR|mm.PermW); e != nil {
		return 0, 0, e
	}
	return bottom, top, nil
}

// ReleaseKernelStack unmaps the pid'th kernel stack from the kernel
// address space, for reuse once the task has become a zombie and been
// waited on.
func ReleaseKernelStack(pid int) {
	bottom, top := kconf.KernelStackPosition(pid)
	kernelSpace.Munmap(addr.VirtAddr(bottom), addr.VirtAddr(top))
}

func installTrapContext(ms *mm.MemorySet, entry, userSP, kernelSP uint64) {
	cx := (*trapframe.Context)(unsafe.Pointer(&ms.TrapContextBytes()[0]))
	*cx = *trapframe.NewContext(entry, userSP, uint64(kernelSpace.Token()), kernelSP, trapReturnMarker)
}

/// New builds a fresh task from an ELF image: a user address space via
/// mm.FromELF, a kernel stack mapped into the kernel address space, an
/// initial TrapContext written into the user trap page, and a
/// TaskContext that resumes into trap_return.
func New(pool *pmm.Allocator, pid int, trampolinePPN addr.PhysPageNum, elfData []byte) (*TCB, error) {
	ms, userSP, entry, err := mm.FromELF(pool, trampolinePPN, elfData)
	if err != nil {
		return nil, err
	}
	kBottom, kTop, err := newKernelStack(pid)
	if err != nil {
		return nil, err
	}
	installTrapContext(ms, uint64(entry), uint64(userSP), uint64(kTop))
	return &TCB{
		Pid:               pid,
		KernelStackBottom: kBottom,
		KernelStackTop:    kTop,
		status:            Ready,
		memSet:            ms,
		priority:          defaultPriority,
		context:           trapframe.GotoTrapReturn(uint64(kTop), trapReturnMarker),
	}, nil
}

/// Fork clones parent's address space via mm.FromExistedUser, allocates
/// a fresh kernel stack, and copies the parent's TrapContext into the
/// child's trap page. The caller is responsible for zeroing the
/// child's a0 (TrapContext.X[10]) so fork() returns 0 in the child.
func Fork(parent *TCB, childPid int) (*TCB, error) {
	parent.mu.Lock()
	parentMS := parent.memSet
	priority := parent.priority
	parent.mu.Unlock()

	childMS := mm.FromExistedUser(parentMS)
	kBottom, kTop, err := newKernelStack(childPid)
	if err != nil {
		childMS.Release()
		return nil, err
	}

	parentCx := (*trapframe.Context)(unsafe.Pointer(&parentMS.TrapContextBytes()[0]))
	childCx := (*trapframe.Context)(unsafe.Pointer(&childMS.TrapContextBytes()[0]))
	*childCx = *parentCx
	childCx.KernelSP = uint64(kTop)

	child := &TCB{
		Pid:               childPid,
		KernelStackBottom: kBottom,
		KernelStackTop:    kTop,
		status:            Ready,
		memSet:            childMS,
		priority:          priority,
		parent:            parent,
		context:           trapframe.GotoTrapReturn(uint64(kTop), trapReturnMarker),
	}
	parent.AddChild(child)
	return child, nil
}

/// Spawn builds a fresh task like New, then wires it into parent's
/// child list. Unlike Fork it does not copy parent's address space.
func Spawn(parent *TCB, pool *pmm.Allocator, childPid int, trampolinePPN addr.PhysPageNum, elfData []byte) (*TCB, error) {
	child, err := New(pool, childPid, trampolinePPN, elfData)
	if err != nil {
		return nil, err
	}
	child.mu.Lock()
	child.parent = parent
	child.mu.Unlock()
	parent.AddChild(child)
	return child, nil
}

/// Exec rebuilds t's address space from a new ELF image in place,
/// resetting syscall counters and start time. PID and kernel stack are
/// preserved.
func (t *TCB) Exec(pool *pmm.Allocator, trampolinePPN addr.PhysPageNum, elfData []byte) error {
	newMS, userSP, entry, err := mm.FromELF(pool, trampolinePPN, elfData)
	if err != nil {
		return err
	}

	t.mu.Lock()
	oldMS := t.memSet
	t.memSet = newMS
	t.syscallTimes = [kconf.MaxSyscallNum]uint32{}
	t.startTime = 0
	kTop := t.KernelStackTop
	t.context = trapframe.GotoTrapReturn(uint64(kTop), trapReturnMarker)
	t.mu.Unlock()

	installTrapContext(newMS, uint64(entry), uint64(userSP), uint64(kTop))
	oldMS.Release()
	return nil
}

/// Release frees the user address space's frames. It does not touch
/// the kernel stack; call ReleaseKernelStack(t.Pid) separately once the
/// task has been reaped.
func (t *TCB) Release() {
	t.mu.Lock()
	ms := t.memSet
	t.mu.Unlock()
	ms.Release()
}

/// Status returns the task's current scheduling state.
func (t *TCB) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

/// SetStatus updates the task's scheduling state.
func (t *TCB) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

/// Context returns a copy of the task's saved kernel context.
func (t *TCB) Context() trapframe.SavedCtx {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.context
}

/// SetContext replaces the task's saved kernel context.
func (t *TCB) SetContext(cx trapframe.SavedCtx) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.context = cx
}

/// ContextPtr returns a pointer to the task's saved context for
/// trapframe.Switch to write into directly, avoiding a copy-back. The
/// pointer stays valid for the task's lifetime: Exec overwrites the
/// context in place rather than reallocating it.
func (t *TCB) ContextPtr() *trapframe.SavedCtx {
	return &t.context
}

/// MemorySet returns the task's current address space.
func (t *TCB) MemorySet() *mm.MemorySet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memSet
}

/// Token returns the satp-format token for the task's address space.
func (t *TCB) Token() uintptr {
	t.mu.Lock()
	ms := t.memSet
	t.mu.Unlock()
	return ms.Token()
}

/// TrapContext returns a pointer to the TrapContext stored at the top
/// of the task's user trap page.
func (t *TCB) TrapContext() *trapframe.Context {
	t.mu.Lock()
	ms := t.memSet
	t.mu.Unlock()
	return (*trapframe.Context)(unsafe.Pointer(&ms.TrapContextBytes()[0]))
}

/// Parent returns the task's parent, or nil for the init task.
func (t *TCB) Parent() *TCB {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parent
}

/// SetParent reassigns the task's parent, used when reparenting an
/// exiting task's children to the init task.
func (t *TCB) SetParent(p *TCB) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parent = p
}

/// AddChild appends c to t's child list.
func (t *TCB) AddChild(c *TCB) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.children = append(t.children, c)
}

/// Children returns a snapshot of t's current child list.
func (t *TCB) Children() []*TCB {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*TCB, len(t.children))
	copy(out, t.children)
	return out
}

/// RemoveChild drops c from t's child list, returning whether it was
/// found.
func (t *TCB) RemoveChild(c *TCB) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, ch := range t.children {
		if ch == c {
			t.children = append(t.children[:i], t.children[i+1:]...)
			return true
		}
	}
	return false
}

/// TakeChildren clears and returns t's entire child list, used when an
/// exiting task reparents its children to the init task.
func (t *TCB) TakeChildren() []*TCB {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.children
	t.children = nil
	return out
}

/// ExitCode returns the task's exit code (meaningful only once Zombie).
func (t *TCB) ExitCode() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

/// SetExitCode records the task's exit code.
func (t *TCB) SetExitCode(code int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exitCode = code
}

/// RecordSyscall increments the per-syscall counter for id.
func (t *TCB) RecordSyscall(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id >= 0 && id < len(t.syscallTimes) {
		t.syscallTimes[id]++
	}
}

/// SyscallTimes returns a copy of the per-syscall counter array.
func (t *TCB) SyscallTimes() [kconf.MaxSyscallNum]uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syscallTimes
}

/// StartTime returns the task's first-schedule timestamp, or 0 if it
/// has never been scheduled.
func (t *TCB) StartTime() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime
}

/// EnsureStarted records now as the task's start time if it has not
/// already been set.
func (t *TCB) EnsureStarted(now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startTime == 0 {
		t.startTime = now
	}
}

/// Priority returns the task's current scheduling priority.
func (t *TCB) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

/// SetPriority updates the task's priority. It rejects priorities below
/// kconf.MinPriority, leaving the priority unchanged, and reports
/// whether the update was applied.
func (t *TCB) SetPriority(priority int) bool {
	if priority < kconf.MinPriority {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priority = priority
	return true
}

/// Pass returns the task's current stride pass value.
func (t *TCB) Pass() Pass {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pass
}

/// AdvancePass advances the task's pass by max(1, BIG_STRIDE/priority),
/// called by the scheduler on every successful fetch of this task.
func (t *TCB) AdvancePass() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pass += Pass(strideFor(t.priority))
}
