/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"github.com/axiom-os/axiom/internal/abi"
	"github.com/axiom-os/axiom/internal/commit"
	"github.com/axiom-os/axiom/internal/process"
	"github.com/axiom-os/axiom/pkg/syscallerr"
)

// apply folds cm into Core and panics only on an invariant the handler
// above it should have already ruled out; callers pass through any
// error as InternalInvariantViolation (spec §7).
func (c *Core) apply(cm commit.Commit) error {
	cm.At = c.clock.Now()
	return c.Apply(cm)
}

// stamp timestamps cm for the log without folding it through Apply,
// for callers whose live mutation has already happened directly
// against a registry Apply's generic switch would otherwise redo
// (spec §3: a replayed commit cannot carry what the live effect needs).
func (c *Core) stamp(cm commit.Commit) commit.Commit {
	cm.At = c.clock.Now()
	return cm
}

// SpawnResult is the Process syscall's ok-path result (spec §6 row 1).
type SpawnResult struct {
	Pid abi.ProcessId
}

// Spawn registers a new process record. Per spec §4.4/§4.5, the commit
// is produced here (and applied to in-memory state). Starting the
// process on the platform adapter is left to the gateway's caller,
// after the gateway has appended this commit; that caller reports an
// adapter-side failure through CompensateSpawnFailure.
func (c *Core) Spawn(caller abi.ProcessId, name string, binaryRef []byte, quota uint64) (SpawnResult, []commit.Commit, error) {
	if _, ok := c.Procs.Get(caller); !ok {
		return SpawnResult{}, nil, syscallerr.New("spawn", syscallerr.InternalInvariantViolation)
	}
	pid := c.Procs.NextPid()
	parent := caller
	cm := commit.Commit{
		Kind: commit.ProcessRegistered,
		Process: &commit.ProcessPayload{
			Pid: pid, Name: name, ParentPid: &parent, Quota: quota, BinaryRef: binaryRef,
		},
	}
	if err := c.apply(cm); err != nil {
		return SpawnResult{}, nil, syscallerr.New("spawn", syscallerr.InternalInvariantViolation)
	}
	return SpawnResult{Pid: pid}, []commit.Commit{cm}, nil
}

// CompensateSpawnFailure produces (and applies) the compensating
// ProcessTerminated commit, for the gateway to append, when the platform adapter could not start pid after
// ProcessRegistered was already durable (spec §4.5).
func (c *Core) CompensateSpawnFailure(pid abi.ProcessId, reason string) ([]commit.Commit, error) {
	cm := commit.Commit{
		Kind:    commit.ProcessTerminated,
		Process: &commit.ProcessPayload{Pid: pid, ExitReason: reason},
	}
	if err := c.apply(cm); err != nil {
		return nil, syscallerr.New("spawn", syscallerr.InternalInvariantViolation)
	}
	return []commit.Commit{cm}, nil
}

// Exit terminates the calling process gracefully, cascading endpoint
// and capability teardown (spec §4.4 "Termination").
func (c *Core) Exit(caller abi.ProcessId, code int32) ([]commit.Commit, error) {
	return c.terminate(caller, code, "exit")
}

// Kill terminates target on behalf of caller. caller must hold a
// process capability with write on target, unless caller is Init
// (spec §4.4).
func (c *Core) Kill(caller, target abi.ProcessId) ([]commit.Commit, error) {
	if caller != abi.InitPID {
		if !c.holdsProcessWrite(caller, target) {
			return nil, syscallerr.New("kill", syscallerr.NoCap)
		}
	}
	if _, ok := c.Procs.Get(target); !ok {
		return nil, syscallerr.New("kill", syscallerr.NotFound)
	}
	return c.terminate(target, -1, "killed")
}

func (c *Core) holdsProcessWrite(caller, target abi.ProcessId) bool {
	cs, ok := c.CSpaces[caller]
	if !ok {
		return false
	}
	for _, sc := range cs.Iter() {
		if sc.Cap.ObjectKind == abi.ObjProcess && sc.Cap.ObjectId == uint64(target) && sc.Cap.Perms.Has(abi.PermWrite) {
			if _, live := c.Procs.CurrentGeneration(target); live {
				return true
			}
		}
	}
	return false
}

func (c *Core) terminate(pid abi.ProcessId, code int32, reason string) ([]commit.Commit, error) {
	if _, ok := c.Procs.Get(pid); !ok {
		return nil, syscallerr.New("terminate", syscallerr.NotFound)
	}
	var cms []commit.Commit

	c.Sched.Rescind(pid)

	for _, epID := range c.Endpoints.OwnedBy(pid) {
		dropped, err := c.Endpoints.Destroy(epID)
		if err != nil {
			return nil, syscallerr.New("terminate", syscallerr.InternalInvariantViolation)
		}
		for _, m := range dropped {
			dm := c.stamp(commit.Commit{Kind: commit.MessageDequeued, Message: &commit.MessagePayload{
				Endpoint: epID, Sender: m.Sender, Tag: m.Tag, Dropped: true,
			}})
			cms = append(cms, dm)
		}
		// Destroy above already removed the endpoint; folding this commit
		// through Apply would destroy it a second time.
		ec := c.stamp(commit.Commit{Kind: commit.EndpointDestroyed, Endpoint: &commit.EndpointPayload{Endpoint: epID, Owner: pid}})
		cms = append(cms, ec)
	}

	pc := c.stamp(commit.Commit{Kind: commit.ProcessTerminated, Process: &commit.ProcessPayload{
		Pid: pid, ExitCode: code, ExitReason: reason,
	}})
	if err := c.Apply(pc); err != nil {
		return nil, syscallerr.New("terminate", syscallerr.InternalInvariantViolation)
	}
	cms = append(cms, pc)
	return cms, nil
}

// Yield relinquishes the caller's turn, re-enqueuing it at the tail of
// the run queue (spec §4.4, §6 row 4). Yield has no durable effect and
// emits no commit.
func (c *Core) Yield(caller abi.ProcessId) error {
	if _, ok := c.Procs.Get(caller); !ok {
		return syscallerr.New("yield", syscallerr.NotFound)
	}
	c.Sched.Enqueue(caller)
	return nil
}

// Sleep parks caller on a deadline (spec §6 row 5) and returns at once.
// Expiry is surfaced through Scheduler.ExpireDeadlines, not as a return
// value here; neither Core nor the gateway calls ExpireDeadlines.
func (c *Core) Sleep(caller abi.ProcessId, dur abi.Nanos) error {
	if _, ok := c.Procs.Get(caller); !ok {
		return syscallerr.New("sleep", syscallerr.NotFound)
	}
	deadline := c.clock.Now() + dur
	c.Sched.Park(process.WaitEntry{Pid: caller, Deadline: &deadline})
	return nil
}
