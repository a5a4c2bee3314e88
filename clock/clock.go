// Package clock stands in for the out-of-scope get_time_us external
// collaborator: a monotonically increasing microsecond counter the
// task and syscall layers use for start_time and sys_get_time. Now is
// a package-level variable, not a function type alias, so tests can
// swap in a deterministic sequence the same way loader.Register swaps
// in ELF images for the out-of-scope loader collaborator.
package clock

import "time"

/// Now returns the current time in microseconds. It defaults to the
/// wall clock; tests that need deterministic timestamps may replace it
/// for the duration of the test and restore it afterward.
var Now = func() int64 {
	return time.Now().UnixMicro()
}
