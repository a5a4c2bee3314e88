// Package trapframe describes the two data shapes that cross the
// boundary between this kernel core and its out-of-scope external
// collaborators: the trap entry/exit assembly and the timer/trap wiring.
//
// Context is the TrapContext: the saved user registers plus enough
// kernel state (satp, kernel sp, trap entry) for the trampoline to
// return to user mode and trap back into the kernel. SavedCtx is the
// TaskContext: the callee-saved registers a kernel-to-kernel switch
// must preserve.
//
// Switch stands in for the real __switch assembly routine. A hosted Go
// process has no register file of its own to swap on the kernel's
// behalf, so Switch models the same save-then-load contract
// (save the live state into *from, then load *to as the live state)
// against a single package-level variable standing in for the CPU's
// current callee-saved registers -- the one place this kernel simulates
// an external collaborator directly instead of merely declaring its
// interface.
package trapframe

// Context mirrors the TrapContext stored at the top of a task's user
// trap page: general-purpose registers plus the kernel-side state the
// trampoline needs to get back into the kernel.
type Context struct {
	/// X holds the 32 general-purpose registers as they were (or will
	/// be) in user mode. X[10] is a0: syscall return value on the way
	/// out, first syscall argument on the way in, and forced to 0 in a
	/// freshly forked child.
	X [32]uint64
	/// Sepc is the user program counter to resume at.
	Sepc uint64
	/// KernelSatp is the kernel's own page-table token, loaded by the
	/// trampoline before entering the kernel trap handler.
	KernelSatp uint64
	/// KernelSP is the top of this task's kernel stack.
	KernelSP uint64
	/// TrapEntry is the kernel's trap-handler entry point.
	TrapEntry uint64
}

/// NewContext builds the initial trap context for a task about to enter
/// user mode for the first time.
func NewContext(entry, userSP, kernelSatp, kernelSP, trapEntry uint64) *Context {
	cx := &Context{Sepc: entry, KernelSatp: kernelSatp, KernelSP: kernelSP, TrapEntry: trapEntry}
	cx.X[2] = userSP // sp
	return cx
}

/// SavedCtx is the TaskContext: the registers a kernel-to-kernel switch
/// must save and restore -- return address, stack pointer, and the
/// twelve callee-saved s-registers.
type SavedCtx struct {
	RA uint64
	SP uint64
	S  [12]uint64
}

/// ZeroSavedCtx returns a zero-initialized context, used for dummy
/// contexts that are switched away from but never resumed (e.g. the one
/// passed to schedule() when the current task has just become a
/// zombie).
func ZeroSavedCtx() SavedCtx {
	return SavedCtx{}
}

/// GotoTrapReturn builds a TaskContext that, when switched into, resumes
/// execution at trapReturn with the given kernel stack pointer -- the
/// shape used for a freshly created or exec'd task's initial context.
func GotoTrapReturn(kernelSP, trapReturn uint64) SavedCtx {
	return SavedCtx{RA: trapReturn, SP: kernelSP}
}

// live stands in for the CPU's current callee-saved register file.
var live SavedCtx

/// Switch saves the live register state into *from, then installs *to
/// as the live state. See the package doc for why this substitutes for
/// the real assembly __switch.
func Switch(from, to *SavedCtx) {
	*from = live
	live = *to
}

/// Live returns a copy of the simulated live register file, for tests
/// that want to assert what a Switch left behind.
func Live() SavedCtx {
	return live
}
