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

// CapGrantResult is cap_grant's ok-path result (spec §6 row 10).
type CapGrantResult struct {
	DstSlot abi.CapSlot
}

// CapGrant derives a new capability from the one at srcSlot and installs
// it in target's CSpace. The derived permission set must be a subset of
// the source's; a superset request returns Attenuation with no commit
// emitted (spec §3, §4.5, §8 property 6, S3).
func (c *Core) CapGrant(caller abi.ProcessId, srcSlot abi.CapSlot, target abi.ProcessId, perms abi.Perms) (CapGrantResult, []commit.Commit, error) {
	src, ok := c.resolveCap(caller, srcSlot)
	if !ok {
		return CapGrantResult{}, nil, syscallerr.New("cap_grant", syscallerr.NoCap)
	}
	if !src.Perms.Has(abi.PermGrant) {
		return CapGrantResult{}, nil, syscallerr.New("cap_grant", syscallerr.NoCap)
	}
	if !perms.SubsetOf(src.Perms) {
		return CapGrantResult{}, nil, syscallerr.New("cap_grant", syscallerr.Attenuation)
	}
	if _, ok := c.CSpaces[target]; !ok {
		return CapGrantResult{}, nil, syscallerr.New("cap_grant", syscallerr.NotFound)
	}
	fromSlot := srcSlot
	fromPid := caller
	gc := commit.Commit{Kind: commit.CapabilityGranted, Capability: &commit.CapabilityPayload{
		IntoPid: target, ObjectKind: src.ObjectKind, ObjectId: src.ObjectId, Perms: perms,
		FromPid: &fromPid, FromSlot: &fromSlot,
	}}
	if err := c.applyGrant(&gc); err != nil {
		return CapGrantResult{}, nil, syscallerr.New("cap_grant", syscallerr.InternalInvariantViolation)
	}
	return CapGrantResult{DstSlot: gc.Capability.Slot}, []commit.Commit{gc}, nil
}

// CapRevoke removes the capability at slot from caller's CSpace and
// bumps the referenced object's generation, which invalidates every
// descendant capability on the very same commit (spec §4.5, §8 S4 —
// exactly one CapabilityRevoked commit, no per-descendant commits).
func (c *Core) CapRevoke(caller abi.ProcessId, slot abi.CapSlot) ([]commit.Commit, error) {
	cap, ok := c.resolveCap(caller, slot)
	if !ok {
		return nil, syscallerr.New("cap_revoke", syscallerr.NoCap)
	}
	rc := commit.Commit{Kind: commit.CapabilityRevoked, Capability: &commit.CapabilityPayload{
		IntoPid: caller, Slot: slot, ObjectKind: cap.ObjectKind, ObjectId: cap.ObjectId,
	}}
	if err := c.apply(rc); err != nil {
		return nil, syscallerr.New("cap_revoke", syscallerr.InternalInvariantViolation)
	}
	return []commit.Commit{rc}, nil
}

// CapInfo is cap_inspect's ok-path result (spec §6 row 12).
type CapInfo struct {
	ObjectKind abi.ObjectKind
	ObjectId   uint64
	Perms      abi.Perms
	Generation abi.Generation
}

// CapInspect reports the capability at slot without mutating anything.
func (c *Core) CapInspect(caller abi.ProcessId, slot abi.CapSlot) (CapInfo, error) {
	cap, ok := c.resolveCap(caller, slot)
	if !ok {
		return CapInfo{}, syscallerr.New("cap_inspect", syscallerr.NoCap)
	}
	return CapInfo{ObjectKind: cap.ObjectKind, ObjectId: cap.ObjectId, Perms: cap.Perms, Generation: cap.Generation}, nil
}
