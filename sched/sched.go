// Package sched implements the ready-queue task manager: Add pushes a
// task onto the queue, Fetch removes and returns the task with the
// smallest stride pass, advancing that task's pass as it leaves. It is
// grounded verbatim on original_source/os5's task/manager.rs
// (TaskManager::fetch's linear min-scan + swap_remove, and fetch_task's
// step_by_prio call on the chosen task after removal), expressed in the
// teacher's mutex-guarded-slice idiom (mem.go's free-list-as-slice
// style) instead of a lazy_static!-wrapped UPSafeCell.
package sched

import (
	"sync"

	"os5k/task"
)

/// Manager is the ready queue: a mutex-guarded slice of ready tasks,
/// fetched by scanning for the minimum pass value.
type Manager struct {
	mu    sync.Mutex
	ready []*task.TCB
}

/// New returns an empty ready queue.
func New() *Manager {
	return &Manager{}
}

/// Add pushes t onto the back of the ready queue.
func (m *Manager) Add(t *task.TCB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = append(m.ready, t)
}

/// Fetch removes and returns the ready task with the smallest pass
/// value, breaking ties by first-seen index, removing it via
/// swap-remove (so queue order among the rest is not preserved). The
/// chosen task's pass is advanced before it is returned. Fetch reports
/// ok=false on an empty queue.
func (m *Manager) Fetch() (t *task.TCB, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ready) == 0 {
		return nil, false
	}
	minIdx := 0
	minPass := m.ready[0].Pass()
	for i := 1; i < len(m.ready); i++ {
		p := m.ready[i].Pass()
		if p.Less(minPass) {
			minIdx = i
			minPass = p
		}
	}
	chosen := m.ready[minIdx]
	last := len(m.ready) - 1
	m.ready[minIdx] = m.ready[last]
	m.ready[last] = nil
	m.ready = m.ready[:last]

	chosen.AdvancePass()
	return chosen, true
}

/// Len reports the number of ready tasks currently queued.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready)
}

/// Contains reports whether t is currently sitting in the ready queue.
/// Used by waitpid's post-removal invariant check: a reaped zombie must
/// not still be reachable from the scheduler.
func (m *Manager) Contains(t *task.TCB) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.ready {
		if r == t {
			return true
		}
	}
	return false
}
