/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package process holds the process table and the cooperative scheduler
// (spec §3, §4.4). Everything here is pure bookkeeping: no syscall
// dispatch, no I/O, no adapter calls. The kernel core is the only
// caller.
package process

import (
	"errors"
	"sort"

	"github.com/axiom-os/axiom/internal/abi"
)

type State int

const (
	Starting State = iota
	Running
	Blocked
	Yielded
	Zombie
)

func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Yielded:
		return "Yielded"
	case Zombie:
		return "Zombie"
	}
	return "Unknown"
}

// Record is one process's table entry (spec §3 "Process record").
type Record struct {
	Pid       abi.ProcessId
	Name      string
	State     State
	ParentPid *abi.ProcessId
	BinaryRef []byte
	Quota     uint64
	Usage     uint64
	CreatedAt abi.Nanos
}

var (
	ErrDuplicatePid  = errors.New("process id already registered")
	ErrNotFound      = errors.New("process not found")
	ErrZombieFinal   = errors.New("zombie state cannot be exited")
	ErrQuotaExceeded = errors.New("memory quota exceeded")
)

// Table is the process table: exactly one record per live id (spec §8
// property 7). Ids are monotone and never reused within a boot.
type Table struct {
	next  abi.ProcessId
	procs map[abi.ProcessId]*Record
}

func NewTable() *Table {
	// next starts at 1: pid 0 is reserved for Init and assigned at
	// genesis, never through NextPid (spec §3, §4.4).
	return &Table{procs: make(map[abi.ProcessId]*Record), next: 1}
}

// NextPid returns the lowest id above every id registered so far,
// without consuming it; callers pass it to Register as the record's Pid.
func (t *Table) NextPid() abi.ProcessId { return t.next }

// Register inserts rec into the table. If rec.Pid is already live,
// ErrDuplicatePid is returned and the table is unchanged (spec §8
// property 7).
func (t *Table) Register(rec Record) error {
	if _, live := t.procs[rec.Pid]; live {
		return ErrDuplicatePid
	}
	cp := rec
	t.procs[rec.Pid] = &cp
	if rec.Pid >= t.next {
		t.next = rec.Pid + 1
	}
	return nil
}

// Get returns pid's record while the process is live; a zombie is
// reported as absent, the same way CurrentGeneration treats it.
func (t *Table) Get(pid abi.ProcessId) (Record, bool) {
	r, ok := t.procs[pid]
	if !ok || r.State == Zombie {
		return Record{}, false
	}
	return *r, true
}

// CurrentGeneration implements capspace.GenerationSource for process
// objects: a zombie or absent process has no valid generation, so any
// process capability naming it becomes unreachable via Lookup.
func (t *Table) CurrentGeneration(pid abi.ProcessId) (abi.Generation, bool) {
	r, ok := t.procs[pid]
	if !ok || r.State == Zombie {
		return 0, false
	}
	return abi.Generation(0), true
}

// SetState transitions a process's lifecycle state. Zombie is terminal
// (spec §3 invariant "cannot transition out of Zombie").
func (t *Table) SetState(pid abi.ProcessId, s State) error {
	r, ok := t.procs[pid]
	if !ok {
		return ErrNotFound
	}
	if r.State == Zombie {
		return ErrZombieFinal
	}
	r.State = s
	return nil
}

// Allocate charges bytes against pid's quota, failing with
// ErrQuotaExceeded when usage would exceed quota (spec §4.4).
func (t *Table) Allocate(pid abi.ProcessId, bytes uint64) error {
	r, ok := t.procs[pid]
	if !ok {
		return ErrNotFound
	}
	if r.Usage+bytes > r.Quota {
		return ErrQuotaExceeded
	}
	r.Usage += bytes
	return nil
}

// Free releases bytes from pid's usage, saturating at zero (spec §4.4).
func (t *Table) Free(pid abi.ProcessId, bytes uint64) error {
	r, ok := t.procs[pid]
	if !ok {
		return ErrNotFound
	}
	if bytes >= r.Usage {
		r.Usage = 0
	} else {
		r.Usage -= bytes
	}
	return nil
}

// Terminate marks pid Zombie; it does not perform the cascade (that is
// the kernel core's job, coordinating with capspace/endpoint).
func (t *Table) Terminate(pid abi.ProcessId) error {
	r, ok := t.procs[pid]
	if !ok {
		return ErrNotFound
	}
	r.State = Zombie
	return nil
}

// Children returns the live pids whose ParentPid equals pid, in pid order.
func (t *Table) Children(pid abi.ProcessId) []abi.ProcessId {
	var out []abi.ProcessId
	for id, r := range t.procs {
		if r.ParentPid != nil && *r.ParentPid == pid && r.State != Zombie {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Live returns every non-zombie pid in id order, used by replay checks
// (spec §8 property 4).
func (t *Table) Live() []abi.ProcessId {
	var out []abi.ProcessId
	for id, r := range t.procs {
		if r.State != Zombie {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
