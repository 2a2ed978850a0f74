/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"github.com/axiom-os/axiom/internal/abi"
	"github.com/axiom-os/axiom/internal/capspace"
	"github.com/axiom-os/axiom/internal/commit"
	"github.com/axiom-os/axiom/internal/endpoint"
	"github.com/axiom-os/axiom/internal/process"
	"github.com/axiom-os/axiom/pkg/syscallerr"
)

// DefaultCSpaceCap is the default hard cap on slots per process CSpace
// (spec §4.2 "configurable hard cap").
const DefaultCSpaceCap = 256

// Core holds all reducible kernel state: the process table, the
// cooperative scheduler, every process's CSpace, and the endpoint
// registry. It is the fold target of the commit log (spec §3) — two
// Core values built by folding the same commit sequence are always
// structurally identical (spec §8 property 2).
type Core struct {
	Procs     *process.Table
	Sched     *process.Scheduler
	Endpoints *endpoint.Registry
	CSpaces   map[abi.ProcessId]*capspace.CSpace
	CSpaceCap int

	clock Clock

	memObjGen abi.Generation // generation counter shared by Memory/Console/Storage/Network pseudo-objects
}

// New constructs an empty Core. Genesis() must be called once before
// any syscall is dispatched against a fresh (non-replayed) Core.
func New(clock Clock) *Core {
	return &Core{
		Procs:     process.NewTable(),
		Sched:     process.NewScheduler(),
		Endpoints: endpoint.NewRegistry(),
		CSpaces:   make(map[abi.ProcessId]*capspace.CSpace),
		CSpaceCap: DefaultCSpaceCap,
		clock:     clock,
	}
}

// Genesis produces the single genesis commit creating Init's process
// record at pid 0 (spec §3, §4.8 step 1). It is only ever called when
// no commit log exists yet; replay never calls it.
func (c *Core) Genesis(quota uint64, binaryRef []byte) commit.Commit {
	rec := process.Record{
		Pid:       abi.InitPID,
		Name:      "init",
		State:     process.Running,
		Quota:     quota,
		BinaryRef: binaryRef,
		CreatedAt: c.clock.Now(),
	}
	// Register cannot fail on an empty table; Genesis is only valid once.
	_ = c.Procs.Register(rec)
	c.CSpaces[abi.InitPID] = capspace.New(c.CSpaceCap)
	return commit.Commit{
		At:   rec.CreatedAt,
		Kind: commit.ProcessRegistered,
		Process: &commit.ProcessPayload{
			Pid:       abi.InitPID,
			Name:      rec.Name,
			Quota:     quota,
			BinaryRef: binaryRef,
		},
	}
}

// Apply folds a single commit into the state. Replay uses it, and the
// syscall handlers fold most of the commits they produce through it
// before returning them (the rest mutate a registry directly and are
// only stamped), so the gateway appends commits whose effect is already
// live — Apply and those handlers must always agree (spec §8 property
// 2, S5 "replay equivalence").
func (c *Core) Apply(cm commit.Commit) error {
	switch cm.Kind {
	case commit.ProcessRegistered:
		p := cm.Process
		rec := process.Record{
			Pid: p.Pid, Name: p.Name, State: process.Running,
			ParentPid: p.ParentPid, Quota: p.Quota, BinaryRef: p.BinaryRef,
			CreatedAt: cm.At,
		}
		if err := c.Procs.Register(rec); err != nil {
			return err
		}
		if _, ok := c.CSpaces[p.Pid]; !ok {
			c.CSpaces[p.Pid] = capspace.New(c.CSpaceCap)
		}
		c.Sched.Enqueue(p.Pid)
	case commit.ProcessTerminated:
		p := cm.Process
		c.Sched.Rescind(p.Pid)
		delete(c.CSpaces, p.Pid)
		return c.Procs.Terminate(p.Pid)
	case commit.EndpointCreated:
		e := cm.Endpoint
		_, err := c.Endpoints.Create(e.Owner, e.Capacity)
		return err
	case commit.EndpointDestroyed:
		_, err := c.Endpoints.Destroy(cm.Endpoint.Endpoint)
		return err
	case commit.CapabilityGranted:
		g := cm.Capability
		cs, ok := c.CSpaces[g.IntoPid]
		if !ok {
			return syscallerr.New("apply", syscallerr.InternalInvariantViolation)
		}
		_, err := cs.Insert(capspace.Capability{
			ObjectKind: g.ObjectKind, ObjectId: g.ObjectId,
			Perms: g.Perms, Generation: g.Generation,
		})
		return err
	case commit.CapabilityRevoked:
		g := cm.Capability
		if cs, ok := c.CSpaces[g.IntoPid]; ok {
			cs.Remove(g.Slot)
		}
		c.bumpObjectGeneration(g.ObjectKind, g.ObjectId)
	case commit.MessageEnqueued:
		m := cm.Message
		if err := c.Endpoints.Enqueue(m.Endpoint, endpoint.Message{Sender: m.Sender, Tag: m.Tag}); err != nil {
			return err
		}
		c.Sched.WakeEndpoint(m.Endpoint)
	case commit.MessageDequeued:
		_, _, err := c.Endpoints.Dequeue(cm.Message.Endpoint)
		if err != nil && !cm.Message.Dropped {
			return err
		}
	case commit.MemoryAllocated:
		m := cm.Memory
		return c.Procs.Allocate(m.Pid, uint64(m.Delta))
	case commit.MemoryFreed:
		m := cm.Memory
		return c.Procs.Free(m.Pid, uint64(-m.Delta))
	}
	return nil
}

func (c *Core) bumpObjectGeneration(kind abi.ObjectKind, id uint64) {
	switch kind {
	case abi.ObjEndpoint:
		if ep, ok := c.Endpoints.Get(abi.EndpointId(id)); ok {
			ep.Generation++
		}
	default:
		c.memObjGen++
	}
}

// CurrentGeneration implements capspace.GenerationSource by delegating
// to whichever table owns the object kind.
func (c *Core) CurrentGeneration(kind abi.ObjectKind, id uint64) (abi.Generation, bool) {
	switch kind {
	case abi.ObjEndpoint:
		return c.Endpoints.CurrentGeneration(kind, id)
	case abi.ObjProcess:
		return c.Procs.CurrentGeneration(abi.ProcessId(id))
	default:
		return c.memObjGen, true
	}
}

// ReplayFrom folds every commit in cs, in order, into a fresh Core
// (spec §3 "state equals the reduction of the entire commit log").
func ReplayFrom(clock Clock, cs []commit.Commit) (*Core, error) {
	c := New(clock)
	for _, cm := range cs {
		if err := c.Apply(cm); err != nil {
			return nil, err
		}
	}
	return c, nil
}
