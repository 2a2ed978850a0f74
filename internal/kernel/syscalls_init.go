/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"github.com/axiom-os/axiom/internal/abi"
	"github.com/axiom-os/axiom/internal/commit"
	"github.com/axiom-os/axiom/pkg/syscallerr"
)

// EpCreateForResult carries both slots ep_create_for produces: the
// child's own receive/send slot, and Init's management slot (full
// perms, for future delegation to other collaborators) (spec §6 row 16).
type EpCreateForResult struct {
	ChildSlot    abi.CapSlot
	InitMgmtSlot abi.CapSlot
}

// EpCreateFor is ep_create_for (syscall 16): Init creates an endpoint
// owned by target and receives a management capability to it, while
// target itself is granted a usable (non-grant) capability in the same
// commit batch — the child never has to call ep_create for an endpoint
// it does not own the creation of (spec §4.8 step 5.c). Restricted to
// Init; any other caller gets NoCap.
func (c *Core) EpCreateFor(caller, target abi.ProcessId, capacity uint32) (EpCreateForResult, []commit.Commit, error) {
	if caller != abi.InitPID {
		return EpCreateForResult{}, nil, syscallerr.New("ep_create_for", syscallerr.NoCap)
	}
	if _, ok := c.CSpaces[target]; !ok {
		return EpCreateForResult{}, nil, syscallerr.New("ep_create_for", syscallerr.NotFound)
	}
	if capacity == 0 {
		return EpCreateForResult{}, nil, syscallerr.New("ep_create_for", syscallerr.InvalidArgument)
	}
	ec := commit.Commit{Kind: commit.EndpointCreated, Endpoint: &commit.EndpointPayload{Owner: target, Capacity: capacity}}
	if err := c.apply(ec); err != nil {
		return EpCreateForResult{}, nil, syscallerr.New("ep_create_for", syscallerr.InternalInvariantViolation)
	}
	epID := c.lastCreatedEndpoint(target)
	ec.Endpoint.Endpoint = epID

	childGc := commit.Commit{Kind: commit.CapabilityGranted, Capability: &commit.CapabilityPayload{
		IntoPid: target, ObjectKind: abi.ObjEndpoint, ObjectId: uint64(epID),
		Perms: abi.PermRead | abi.PermWrite,
	}}
	if err := c.applyGrant(&childGc); err != nil {
		return EpCreateForResult{}, nil, syscallerr.New("ep_create_for", syscallerr.InternalInvariantViolation)
	}

	initGc := commit.Commit{Kind: commit.CapabilityGranted, Capability: &commit.CapabilityPayload{
		IntoPid: caller, ObjectKind: abi.ObjEndpoint, ObjectId: uint64(epID),
		Perms: abi.PermRead | abi.PermWrite | abi.PermGrant,
	}}
	if err := c.applyGrant(&initGc); err != nil {
		return EpCreateForResult{}, nil, syscallerr.New("ep_create_for", syscallerr.InternalInvariantViolation)
	}
	return EpCreateForResult{ChildSlot: childGc.Capability.Slot, InitMgmtSlot: initGc.Capability.Slot},
		[]commit.Commit{ec, childGc, initGc}, nil
}

// RegisterProcess is register_process (syscall 17): Init allocates the
// next pid and records a ProcessRegistered commit for a child before
// the platform adapter starts it (spec §4.8 step 5b). Unlike Spawn, it
// does not look up the caller's process record. Restricted to Init.
func (c *Core) RegisterProcess(caller abi.ProcessId, name string, binaryRef []byte, quota uint64) (SpawnResult, []commit.Commit, error) {
	if caller != abi.InitPID {
		return SpawnResult{}, nil, syscallerr.New("register_process", syscallerr.NoCap)
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
		return SpawnResult{}, nil, syscallerr.New("register_process", syscallerr.InternalInvariantViolation)
	}
	return SpawnResult{Pid: pid}, []commit.Commit{cm}, nil
}
