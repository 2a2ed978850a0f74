/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package process

import (
	"github.com/axiom-os/axiom/internal/abi"
)

// WaitEntry is a single parked process: who, and what it is waiting
// for. No kernel-core call suspends internally — every block is
// represented by one of these (spec §5 "Suspension points"). A blocking
// ep_recv with a deadline waits on both Endpoint and Deadline at once;
// whichever condition fires first wakes it.
type WaitEntry struct {
	Pid      abi.ProcessId
	Endpoint *abi.EndpointId
	Deadline *abi.Nanos
}

// Scheduler is the cooperative, single-threaded run queue plus wait
// set described in spec §4.4 and §5. It never blocks a goroutine
// itself; it only records which processes are runnable versus parked,
// leaving actual suspension to the platform adapter.
type Scheduler struct {
	runQueue []abi.ProcessId
	waiting  map[abi.ProcessId]WaitEntry
}

func NewScheduler() *Scheduler {
	return &Scheduler{waiting: make(map[abi.ProcessId]WaitEntry)}
}

// Enqueue marks pid runnable, appended to the tail of the run queue.
func (s *Scheduler) Enqueue(pid abi.ProcessId) {
	delete(s.waiting, pid)
	for _, q := range s.runQueue {
		if q == pid {
			return
		}
	}
	s.runQueue = append(s.runQueue, pid)
}

// Dequeue pops the head of the run queue, if any.
func (s *Scheduler) Dequeue() (abi.ProcessId, bool) {
	if len(s.runQueue) == 0 {
		return 0, false
	}
	pid := s.runQueue[0]
	s.runQueue = s.runQueue[1:]
	return pid, true
}

// Park removes pid from the run queue and records why it is blocked.
func (s *Scheduler) Park(entry WaitEntry) {
	s.removeFromRunQueue(entry.Pid)
	s.waiting[entry.Pid] = entry
}

func (s *Scheduler) removeFromRunQueue(pid abi.ProcessId) {
	for i, q := range s.runQueue {
		if q == pid {
			s.runQueue = append(s.runQueue[:i], s.runQueue[i+1:]...)
			return
		}
	}
}

// WakeEndpoint makes every process parked on ep runnable again (spec
// §4.4 "a process becomes runnable when a message is enqueued on an
// endpoint it is blocked on").
func (s *Scheduler) WakeEndpoint(ep abi.EndpointId) []abi.ProcessId {
	var woken []abi.ProcessId
	for pid, w := range s.waiting {
		if w.Endpoint != nil && *w.Endpoint == ep {
			woken = append(woken, pid)
		}
	}
	for _, pid := range woken {
		s.Enqueue(pid)
	}
	return woken
}

// ExpireDeadlines makes runnable every process whose deadline is at or
// before now, returning their pids so the caller can produce Timeout
// results for them (spec §5 "Cancellation & timeouts").
func (s *Scheduler) ExpireDeadlines(now abi.Nanos) []abi.ProcessId {
	var expired []abi.ProcessId
	for pid, w := range s.waiting {
		if w.Deadline != nil && *w.Deadline <= now {
			expired = append(expired, pid)
		}
	}
	for _, pid := range expired {
		s.Enqueue(pid)
	}
	return expired
}

// Rescind atomically removes pid from the wait set, used when killing
// a blocked process (spec §5 "Killing a blocked process rescinds its
// wait-set membership atomically with the ProcessTerminated commit").
func (s *Scheduler) Rescind(pid abi.ProcessId) {
	delete(s.waiting, pid)
	s.removeFromRunQueue(pid)
}

// Waiting reports whether pid is currently parked, and on what.
func (s *Scheduler) Waiting(pid abi.ProcessId) (WaitEntry, bool) {
	w, ok := s.waiting[pid]
	return w, ok
}

// RunQueueLen exposes the queue depth for diagnostics and tests.
func (s *Scheduler) RunQueueLen() int { return len(s.runQueue) }
