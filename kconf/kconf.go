// Package kconf holds the kernel's compile-time constants.
package kconf

/// PageSize is the size of a single page in bytes.
const PageSize int = 4096

/// PageShift is the base-2 exponent of PageSize.
const PageShift uint = 12

/// BigStride is the scheduler's virtual-time denominator. A task's stride
/// is BigStride / priority, so lower priority numbers advance faster.
const BigStride uint64 = 1 << 20

/// MaxSyscallNum bounds the per-task syscall counter array.
const MaxSyscallNum = 512

/// KernelStackSize is the size in bytes of each task's kernel stack.
const KernelStackSize = 2 * PageSize

/// KernelStackGuardSize separates adjacent kernel stacks to catch overflow.
const KernelStackGuardSize = PageSize

/// TrampolineVA is the fixed virtual address of the trampoline page,
/// identical in every address space: the top page of the 39-bit VA space.
const TrampolineVA uintptr = 0xffff_ffff_ffff_f000

/// TrapContextVA is the fixed virtual address of a task's trap-context
/// page, one page below the trampoline.
const TrapContextVA uintptr = TrampolineVA - uintptr(PageSize)

/// UserStackGuardSize separates the user stack from the area below it.
const UserStackGuardSize = PageSize

/// UserStackSize is the size in bytes of a task's user stack area.
const UserStackSize = 2 * PageSize

/// InitProcName is the name of the first application spawned at boot.
const InitProcName = "initproc"

/// MinPriority is the lowest (numerically) priority a task may request;
/// sys_set_priority rejects anything below it.
const MinPriority = 2

/// KernelStackPosition returns the [bottom, top) VA range of the pid'th
/// kernel stack in the kernel address space, counting down from just
/// below the trampoline with one guard page separating each stack from
/// its neighbor.
func KernelStackPosition(pid int) (bottom, top uintptr) {
	top = TrampolineVA - uintptr(pid)*uintptr(KernelStackSize+KernelStackGuardSize)
	bottom = top - uintptr(KernelStackSize)
	return bottom, top
}
