// Package proc implements the processor: the single-CPU rendezvous
// point between the ready queue and whichever task currently holds the
// CPU. It is grounded verbatim on original_source/os5's
// task/processor.rs (Processor's current-task slot + idle_task_cx,
// run_tasks, take_current_task/current_task/current_user_token/
// current_trap_cx, schedule), with the exclusive-cell-before-switch
// discipline (the teacher kernel's vm/as.go Lock_pmap/Unlock_pmap
// pairing, generalized here to "never call trapframe.Switch while
// holding the processor's own lock") made directly testable via
// assertNotLocked.
//
// A hosted Go process has no hardware timer interrupt to requeue tasks
// out from under a spinning idle loop, so RunTasks (unlike the
// original's infinite loop) returns once the ready queue drains rather
// than spinning forever; RunOnce is the single testable step within it.
package proc

import (
	"sync"

	"os5k/clock"
	"os5k/kstat"
	"os5k/sched"
	"os5k/task"
	"os5k/trapframe"
)

type processor struct {
	mu      sync.Mutex
	current *task.TCB
	idleCx  trapframe.SavedCtx
}

var global = &processor{}

// assertNotLocked panics if the processor's lock is still held,
// catching a reschedule path that forgot to drop its borrow before
// switching -- the primary correctness obligation the concurrency
// model calls out.
func assertNotLocked() {
	if !global.mu.TryLock() {
		kstat.Panicf("proc: processor lock still held entering switch")
	}
	global.mu.Unlock()
}

/// TakeCurrent removes and returns the task currently assigned to the
/// processor, leaving no task current.
func TakeCurrent() (*task.TCB, bool) {
	global.mu.Lock()
	defer global.mu.Unlock()
	t := global.current
	global.current = nil
	return t, t != nil
}

/// Current returns the task currently assigned to the processor,
/// without removing it.
func Current() (*task.TCB, bool) {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.current, global.current != nil
}

/// CurrentUserToken returns the current task's address-space token.
func CurrentUserToken() (uintptr, bool) {
	t, ok := Current()
	if !ok {
		return 0, false
	}
	return t.Token(), true
}

/// CurrentTrapContext returns a pointer to the current task's
/// TrapContext.
func CurrentTrapContext() (*trapframe.Context, bool) {
	t, ok := Current()
	if !ok {
		return nil, false
	}
	return t.TrapContext(), true
}

/// RunOnce fetches the next task from m and switches the CPU into it,
/// stamping start_time on first schedule and marking it Running. It
/// reports whether a task was found.
func RunOnce(m *sched.Manager) bool {
	t, ok := m.Fetch()
	if !ok {
		return false
	}
	t.EnsureStarted(clock.Now())
	t.SetStatus(task.Running)

	global.mu.Lock()
	global.current = t
	idlePtr := &global.idleCx
	global.mu.Unlock()

	assertNotLocked()
	trapframe.Switch(idlePtr, t.ContextPtr())
	return true
}

/// RunTasks repeatedly calls RunOnce until the ready queue is empty.
func RunTasks(m *sched.Manager) {
	for RunOnce(m) {
	}
}

/// Schedule switches the CPU from the current task (whose saved
/// context is at savedCx) back to the idle control flow, returning
/// control to whichever RunOnce call is waiting on the matching switch.
func Schedule(savedCx *trapframe.SavedCtx) {
	global.mu.Lock()
	idlePtr := &global.idleCx
	global.mu.Unlock()

	assertNotLocked()
	trapframe.Switch(savedCx, idlePtr)
}

/// SuspendCurrentAndRunNext takes the current task, marks it Ready,
/// pushes it back onto m, and reschedules.
func SuspendCurrentAndRunNext(m *sched.Manager) {
	t, ok := TakeCurrent()
	if !ok {
		kstat.Panicf("proc: suspend called with no current task")
	}
	t.SetStatus(task.Ready)
	m.Add(t)
	Schedule(t.ContextPtr())
}

/// ExitCurrentAndRunNext takes the current task, marks it Zombie with
/// the given exit code, reparents its children to initTask, releases
/// its address space, and reschedules into a dummy saved context. If
/// the exiting task is initTask itself, this is kernel shutdown: there
/// is nothing left to schedule into, so it panics rather than
/// rescheduling, the hosted stand-in for halting the machine.
func ExitCurrentAndRunNext(m *sched.Manager, initTask *task.TCB, code int32) {
	t, ok := TakeCurrent()
	if !ok {
		kstat.Panicf("proc: exit called with no current task")
	}
	t.SetStatus(task.Zombie)
	t.SetExitCode(code)

	for _, child := range t.TakeChildren() {
		child.SetParent(initTask)
		initTask.AddChild(child)
	}
	t.Release()

	if t == initTask {
		kstat.Panicf("proc: init task exited with code %d; kernel shutdown", code)
	}

	dummy := trapframe.ZeroSavedCtx()
	Schedule(&dummy)
}
