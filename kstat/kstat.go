// Package kstat is the kernel's diagnostic output path. It deliberately
// stays on fmt/io rather than a logging library, the way the teacher
// kernel's own Phys_init reports page-pool setup with a bare
// fmt.Printf -- there is no structured-logging dependency anywhere in
// the kernel-domain packages this repo is grounded on.
package kstat

import (
	"fmt"
	"io"
	"os"
)

/// Out is the destination for kernel diagnostic output. Tests may swap it
/// for a buffer; it defaults to standard output.
var Out io.Writer = os.Stdout

/// Printf writes a "[kernel] "-prefixed diagnostic line.
func Printf(format string, args ...interface{}) {
	fmt.Fprintf(Out, "[kernel] "+format, args...)
}

/// Panicf formats a message and panics with it. Used for kernel-internal
/// bugs: assertion failures, double-maps, double-borrows, refcount
/// corruption. There is no recovery path for these.
func Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}
