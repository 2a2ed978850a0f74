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

// EpCreateResult is ep_create's ok-path result: the slot in the
// caller's own CSpace referencing the new endpoint (spec §6 row 6).
type EpCreateResult struct {
	Slot abi.CapSlot
}

// EpCreate creates an endpoint owned by caller and grants caller a
// full-permission capability to it in the same commit batch (spec §4.3,
// §6 row 6). Capacity of zero is rejected as InvalidArgument.
func (c *Core) EpCreate(caller abi.ProcessId, capacity uint32) (EpCreateResult, []commit.Commit, error) {
	if _, ok := c.CSpaces[caller]; !ok {
		return EpCreateResult{}, nil, syscallerr.New("ep_create", syscallerr.InternalInvariantViolation)
	}
	if capacity == 0 {
		return EpCreateResult{}, nil, syscallerr.New("ep_create", syscallerr.InvalidArgument)
	}
	ec := commit.Commit{Kind: commit.EndpointCreated, Endpoint: &commit.EndpointPayload{Owner: caller, Capacity: capacity}}
	if err := c.apply(ec); err != nil {
		return EpCreateResult{}, nil, syscallerr.New("ep_create", syscallerr.InternalInvariantViolation)
	}
	// Apply assigned the real id via Endpoints.Create; recover it by
	// walking the owner's freshly-created endpoint set.
	epID := c.lastCreatedEndpoint(caller)
	ec.Endpoint.Endpoint = epID

	gc := commit.Commit{Kind: commit.CapabilityGranted, Capability: &commit.CapabilityPayload{
		IntoPid: caller, ObjectKind: abi.ObjEndpoint, ObjectId: uint64(epID),
		Perms: abi.PermRead | abi.PermWrite | abi.PermGrant,
	}}
	if err := c.applyGrant(&gc); err != nil {
		return EpCreateResult{}, nil, syscallerr.New("ep_create", syscallerr.InternalInvariantViolation)
	}
	return EpCreateResult{Slot: gc.Capability.Slot}, []commit.Commit{ec, gc}, nil
}

func (c *Core) lastCreatedEndpoint(owner abi.ProcessId) abi.EndpointId {
	owned := c.Endpoints.OwnedBy(owner)
	var max abi.EndpointId
	for _, id := range owned {
		if id > max {
			max = id
		}
	}
	return max
}

// applyGrant inserts the capability described by gc.Capability into the
// target CSpace, filling in the slot Apply's generic path cannot return,
// and recording the assigned generation.
func (c *Core) applyGrant(gc *commit.Commit) error {
	p := gc.Capability
	gen, _ := c.CurrentGeneration(p.ObjectKind, p.ObjectId)
	p.Generation = gen
	cs, ok := c.CSpaces[p.IntoPid]
	if !ok {
		return syscallerr.New("grant", syscallerr.InternalInvariantViolation)
	}
	slot, err := cs.Insert(capspace.Capability{ObjectKind: p.ObjectKind, ObjectId: p.ObjectId, Perms: p.Perms, Generation: gen})
	if err != nil {
		return err
	}
	p.Slot = slot
	return nil
}

// EpDestroy tears down the endpoint named by slot, which must be owned
// by caller (spec §4.3, §6 row 7).
func (c *Core) EpDestroy(caller abi.ProcessId, slot abi.CapSlot) ([]commit.Commit, error) {
	cap, ok := c.resolveCap(caller, slot)
	if !ok {
		return nil, syscallerr.New("ep_destroy", syscallerr.NoCap)
	}
	if cap.ObjectKind != abi.ObjEndpoint {
		return nil, syscallerr.New("ep_destroy", syscallerr.WrongType)
	}
	epID := abi.EndpointId(cap.ObjectId)
	ep, ok := c.Endpoints.Get(epID)
	if !ok {
		return nil, syscallerr.New("ep_destroy", syscallerr.NotFound)
	}
	if ep.Owner != caller {
		return nil, syscallerr.New("ep_destroy", syscallerr.NoCap)
	}

	var cms []commit.Commit
	dropped, err := c.Endpoints.Destroy(epID)
	if err != nil {
		return nil, syscallerr.New("ep_destroy", syscallerr.InternalInvariantViolation)
	}
	for _, m := range dropped {
		dc := c.stamp(commit.Commit{Kind: commit.MessageDequeued, Message: &commit.MessagePayload{Endpoint: epID, Sender: m.Sender, Tag: m.Tag, Dropped: true}})
		cms = append(cms, dc)
	}
	// Destroy above already removed the endpoint; folding this commit
	// through apply would destroy it a second time.
	ec := c.stamp(commit.Commit{Kind: commit.EndpointDestroyed, Endpoint: &commit.EndpointPayload{Endpoint: epID, Owner: caller}})
	cms = append(cms, ec)
	return cms, nil
}

// EpSend is non-blocking and respects the endpoint's bounded capacity
// (spec §4.3, §6 row 8). A full queue returns ErrWouldBlock (result
// WouldBlock), never a lost message and never a commit.
func (c *Core) EpSend(caller abi.ProcessId, slot abi.CapSlot, tag uint16, payload []byte) ([]commit.Commit, error) {
	cap, ok := c.resolveCap(caller, slot)
	if !ok {
		return nil, syscallerr.New("ep_send", syscallerr.NoCap)
	}
	if cap.ObjectKind != abi.ObjEndpoint {
		return nil, syscallerr.New("ep_send", syscallerr.WrongType)
	}
	if !cap.Perms.Has(abi.PermWrite) {
		return nil, syscallerr.New("ep_send", syscallerr.NoCap)
	}
	if len(payload) > abi.MaxMsgBytes {
		return nil, syscallerr.New("ep_send", syscallerr.InvalidArgument)
	}
	epID := abi.EndpointId(cap.ObjectId)
	// Enqueue the real payload directly against the live registry: the
	// commit a replay folds only ever carries the byte count (spec §3
	// MessagePayload), so the generic Apply path has nowhere to put
	// actual bytes. This duplicates Apply's MessageEnqueued bookkeeping
	// the same way applyGrant duplicates CapabilityGranted, and for the
	// same reason — live state needs something a replayed commit
	// structurally cannot carry.
	if err := c.Endpoints.Enqueue(epID, endpoint.Message{Sender: caller, Tag: tag, Bytes: payload}); err != nil {
		if err == endpoint.ErrWouldBlock {
			return nil, syscallerr.New("ep_send", syscallerr.WouldBlock)
		}
		return nil, syscallerr.New("ep_send", syscallerr.InternalInvariantViolation)
	}
	c.Sched.WakeEndpoint(epID)
	mc := c.stamp(commit.Commit{Kind: commit.MessageEnqueued, Message: &commit.MessagePayload{
		Endpoint: epID, Sender: caller, Tag: tag, Bytes: uint32(len(payload)),
	}})
	return []commit.Commit{mc}, nil
}

// EpRecvResult reports either a delivered message or that the caller
// has been parked to wait for one (spec §6 row 9).
type EpRecvResult struct {
	Message endpoint.Message
	Parked  bool
}

// EpRecv is non-blocking unless blocking is set; then, with an empty
// queue, the caller is parked in the scheduler's wait set (with
// deadline, which may be nil) instead of returned Timeout immediately
// (spec §4.5, §5 "Suspension points").
func (c *Core) EpRecv(caller abi.ProcessId, slot abi.CapSlot, deadline *abi.Nanos, blocking bool) (EpRecvResult, []commit.Commit, error) {
	cap, ok := c.resolveCap(caller, slot)
	if !ok {
		return EpRecvResult{}, nil, syscallerr.New("ep_recv", syscallerr.NoCap)
	}
	if cap.ObjectKind != abi.ObjEndpoint {
		return EpRecvResult{}, nil, syscallerr.New("ep_recv", syscallerr.WrongType)
	}
	if !cap.Perms.Has(abi.PermRead) {
		return EpRecvResult{}, nil, syscallerr.New("ep_recv", syscallerr.NoCap)
	}
	epID := abi.EndpointId(cap.ObjectId)
	if m, ok, _ := c.Endpoints.Dequeue(epID); ok {
		// The dequeue already happened on the line above; routing this
		// commit through apply() would dequeue a second message from the
		// same queue. stamp records it for the log without re-folding it.
		dc := c.stamp(commit.Commit{Kind: commit.MessageDequeued, Message: &commit.MessagePayload{Endpoint: epID, Sender: m.Sender, Tag: m.Tag}})
		return EpRecvResult{Message: m}, []commit.Commit{dc}, nil
	}
	if !blocking {
		return EpRecvResult{}, nil, syscallerr.New("ep_recv", syscallerr.Timeout)
	}
	c.Sched.Park(process.WaitEntry{Pid: caller, Endpoint: &epID, Deadline: deadline})
	return EpRecvResult{Parked: true}, nil, nil
}

func (c *Core) resolveCap(pid abi.ProcessId, slot abi.CapSlot) (capspace.Capability, bool) {
	cs, ok := c.CSpaces[pid]
	if !ok {
		return capspace.Capability{}, false
	}
	return cs.Lookup(slot, c)
}
