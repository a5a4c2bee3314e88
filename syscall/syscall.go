// Package syscall implements the process-management syscall surface:
// the handler-level logic a trap handler would dispatch into, given a
// syscall number (the dispatch table itself is an out-of-scope external
// collaborator). It is grounded verbatim on original_source/os5's
// syscall/process.rs (sys_exit/sys_yield/sys_getpid/sys_fork/sys_exec/
// sys_waitpid/sys_get_time/sys_task_info/sys_set_priority/sys_mmap/
// sys_munmap/sys_spawn), including the exact waitpid child-scan/remove
// order and the mmap/munmap argument-validation sequence. Go idiom
// (a receiver struct bundling the frame pool, trampoline PPN, ready
// queue, and init task instead of several package-level globals)
// follows the teacher kernel's vm/as.go pattern of handler-facing
// methods on a shared struct (Vm_t) rather than free functions closing
// over module state.
package syscall

import (
	"os5k/addr"
	"os5k/clock"
	"os5k/kconf"
	"os5k/kstat"
	"os5k/loader"
	"os5k/pagetable"
	"os5k/pmm"
	"os5k/proc"
	"os5k/sched"
	"os5k/task"
	"os5k/uaccess"
)

/// TimeVal mirrors the user-visible struct sys_get_time writes: seconds
/// and microseconds since some reference point (here, the clock
/// package's epoch).
type TimeVal struct {
	Sec  uint64
	Usec uint64
}

/// TaskInfo mirrors the user-visible struct sys_task_info writes: the
/// task's status, its per-syscall-number counters, and milliseconds
/// elapsed since it was first scheduled.
type TaskInfo struct {
	Status       task.Status
	SyscallTimes [kconf.MaxSyscallNum]uint32
	Time         uint64
}

/// Kernel bundles the shared state every handler needs: the frame
/// pool, the trampoline's physical page (needed to rebuild address
/// spaces on fork/exec/spawn), the ready queue, and the init task that
/// inherits orphaned children.
type Kernel struct {
	Pool          *pmm.Allocator
	TrampolinePPN addr.PhysPageNum
	Manager       *sched.Manager
	InitTask      *task.TCB
}

// userPageTable returns a token view of t's address space, for the
// uaccess helpers to translate through.
func userPageTable(pool *pmm.Allocator, t *task.TCB) *pagetable.PageTable {
	return pagetable.FromToken(pool, t.Token())
}

/// Exit terminates the current task with the given exit code and
/// reschedules. It never returns, mirroring sys_exit's "-> !" in the
/// original.
func (k *Kernel) Exit(exitCode int32) {
	proc.ExitCurrentAndRunNext(k.Manager, k.InitTask, exitCode)
}

/// Yield gives up the CPU for other tasks, always returning 0.
func (k *Kernel) Yield() int64 {
	proc.SuspendCurrentAndRunNext(k.Manager)
	return 0
}

/// GetPID returns the current task's PID. A trap handler only ever
/// calls this while some task is current, so a missing current task is
/// a kernel-internal bug, not a user-visible error -- matching the
/// original's infallible current_task().unwrap().
func (k *Kernel) GetPID() int64 {
	t, ok := proc.Current()
	if !ok {
		kstat.Panicf("syscall: getpid called with no current task")
	}
	return int64(t.Pid)
}

/// Fork clones the current task. It returns the child's PID to the
/// parent; the child's TrapContext.X[10] (a0) is forced to 0 here so
/// fork() returns 0 when the child itself next runs. Both "no current
/// task" and frame-pool exhaustion are kernel-internal-bug conditions
/// here, not documented user-visible fork failures (spec.md's return
/// table reserves -1/-2 for waitpid alone) -- matching the original's
/// infallible fork().
func (k *Kernel) Fork() int64 {
	parent, ok := proc.Current()
	if !ok {
		kstat.Panicf("syscall: fork called with no current task")
	}
	childPid := task.AllocPID()
	child, err := task.Fork(parent, childPid)
	if err != nil {
		kstat.Panicf("syscall: fork: %v", err)
	}
	child.TrapContext().X[10] = 0
	k.Manager.Add(child)
	return int64(childPid)
}

/// Exec reads a NUL-terminated path from the current task's user
/// memory, looks it up via the loader, and rebuilds the task's address
/// space from the resulting ELF image in place.
func (k *Kernel) Exec(pathPtr uintptr) int64 {
	t, ok := proc.Current()
	if !ok {
		return -1
	}
	pt := userPageTable(k.Pool, t)
	path := uaccess.TranslatedStr(pt, pathPtr)
	data, ok := loader.GetAppDataByName(string(path))
	if !ok {
		return -1
	}
	if err := t.Exec(k.Pool, k.TrampolinePPN, data); err != nil {
		return -1
	}
	return 0
}

// assertSoleOwner is waitpid's post-removal invariant check, the Go
// stand-in for the original's Arc::strong_count(&child) == 1 assert
// right after swap_remove: once a zombie child has been unlinked from
// its parent's children list, nothing else in the kernel should still
// be able to reach it. ExitCurrentAndRunNext already reparents a
// dying task's own children to initTask, and a zombie is never
// reinserted into the ready queue, so both would indicate a bug in
// that bookkeeping rather than a user-triggerable condition.
func assertSoleOwner(m *sched.Manager, parent, child *task.TCB) {
	if len(child.Children()) != 0 {
		kstat.Panicf("syscall: waitpid: reaped pid %d still has children", child.Pid)
	}
	if m.Contains(child) {
		kstat.Panicf("syscall: waitpid: reaped pid %d still queued in scheduler", child.Pid)
	}
	for _, sibling := range parent.Children() {
		if sibling.Pid == child.Pid {
			kstat.Panicf("syscall: waitpid: reaped pid %d still linked from parent", child.Pid)
		}
	}
}

/// Waitpid scans the current task's children for one matching pid (or
/// any child when pid is -1) that has become a zombie. If none match
/// at all it returns -1; if a match exists but none are zombies yet it
/// returns -2; otherwise it reaps the first matching zombie, writing
/// its exit code through exitCodePtr and returning its PID, after
/// asserting the reaped child is no longer reachable from anywhere
/// else in the kernel (see assertSoleOwner).
func (k *Kernel) Waitpid(pid int, exitCodePtr uintptr) int64 {
	t, ok := proc.Current()
	if !ok {
		return -1
	}
	children := t.Children()

	matches := false
	for _, c := range children {
		if pid == -1 || c.Pid == pid {
			matches = true
			break
		}
	}
	if !matches {
		return -1
	}

	for _, c := range children {
		if (pid == -1 || c.Pid == pid) && c.Status() == task.Zombie {
			t.RemoveChild(c)
			assertSoleOwner(k.Manager, t, c)
			exitCode := c.ExitCode()
			foundPid := c.Pid

			pt := userPageTable(k.Pool, t)
			ref := uaccess.TranslatedRefMut[int32](pt, exitCodePtr)
			*ref = exitCode

			task.ReleaseKernelStack(foundPid)
			return int64(foundPid)
		}
	}
	return -2
}

/// GetTime writes the current time into a user TimeVal, splitting the
/// write across a page boundary if needed. Always returns 0.
func (k *Kernel) GetTime(tsPtr uintptr) int64 {
	us := uint64(clock.Now())
	t, ok := proc.Current()
	if !ok {
		kstat.Panicf("syscall: get_time called with no current task")
	}
	pt := userPageTable(k.Pool, t)
	bufs := uaccess.TranslatedLargeType[TimeVal](pt, tsPtr)
	val := TimeVal{Sec: us / 1_000_000, Usec: us % 1_000_000}
	uaccess.CopyTypeIntoBufs(&val, bufs)
	return 0
}

/// TaskInfo writes the current task's status, syscall counters, and
/// elapsed milliseconds since first schedule into a user TaskInfo.
/// Always returns 0.
func (k *Kernel) TaskInfo(tiPtr uintptr) int64 {
	t, ok := proc.Current()
	if !ok {
		kstat.Panicf("syscall: task_info called with no current task")
	}
	var elapsedMs uint64
	if start := t.StartTime(); start != 0 {
		elapsedMs = uint64(clock.Now()-start) / 1000
	}
	ti := TaskInfo{
		Status:       t.Status(),
		SyscallTimes: t.SyscallTimes(),
		Time:         elapsedMs,
	}
	pt := userPageTable(k.Pool, t)
	bufs := uaccess.TranslatedLargeType[TaskInfo](pt, tiPtr)
	uaccess.CopyTypeIntoBufs(&ti, bufs)
	return 0
}

/// SetPriority updates the current task's priority, rejecting values
/// below kconf.MinPriority by returning -1 and leaving it unchanged;
/// on success it returns the new priority.
func (k *Kernel) SetPriority(priority int) int64 {
	t, ok := proc.Current()
	if !ok {
		return -1
	}
	if !t.SetPriority(priority) {
		return -1
	}
	return int64(priority)
}

// portAllowed reports whether an mmap port value is well-formed: only
// the low three bits (R=1, W=2, X=4) may be set, and at least one must
// be.
func portAllowed(port int) bool {
	return port & ^0x7 == 0 && port&0x7 != 0
}

/// Mmap validates its arguments (page-aligned start, a well-formed
/// port, and a nonzero length -- a zero length is a no-op success) and
/// delegates to the current task's MemorySet.
func (k *Kernel) Mmap(start, length uintptr, port int) int64 {
	if !addr.VirtAddr(start).Aligned() || !portAllowed(port) {
		return -1
	}
	if length == 0 {
		return 0
	}
	t, ok := proc.Current()
	if !ok {
		return -1
	}
	return t.MemorySet().Mmap(addr.VirtAddr(start), addr.VirtAddr(start+length), port)
}

/// Munmap validates its arguments (page-aligned start, nonzero length)
/// and delegates to the current task's MemorySet.
func (k *Kernel) Munmap(start, length uintptr) int64 {
	if !addr.VirtAddr(start).Aligned() {
		return -1
	}
	if length == 0 {
		return 0
	}
	t, ok := proc.Current()
	if !ok {
		return -1
	}
	return t.MemorySet().Munmap(addr.VirtAddr(start), addr.VirtAddr(start+length))
}

/// Spawn reads a NUL-terminated path from user memory and builds a
/// brand-new task from the named application, wired as a child of the
/// current task -- unlike Fork, it does not copy the parent's address
/// space. The child's a0 is forced to 0, matching Fork's convention,
/// though spawn's child never "returns" from a syscall it didn't make;
/// this only matters if a spawned task's first trap happens to read x[10].
func (k *Kernel) Spawn(pathPtr uintptr) int64 {
	parent, ok := proc.Current()
	if !ok {
		return -1
	}
	pt := userPageTable(k.Pool, parent)
	path := uaccess.TranslatedStr(pt, pathPtr)
	data, ok := loader.GetAppDataByName(string(path))
	if !ok {
		return -1
	}
	childPid := task.AllocPID()
	child, err := task.Spawn(parent, k.Pool, childPid, k.TrampolinePPN, data)
	if err != nil {
		return -1
	}
	child.TrapContext().X[10] = 0
	k.Manager.Add(child)
	return int64(childPid)
}
