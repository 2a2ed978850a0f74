/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package capspace implements the per-process sparse CSpace: a slot
// table mapping CapSlot to Capability (spec §3, §4.2). A CSpace is
// owned exclusively by one process and destroyed with it.
package capspace

import (
	"errors"
	"sort"

	"github.com/axiom-os/axiom/internal/abi"
)

var ErrCapSpaceFull = errors.New("capability space exhausted")

// Capability is the unforgeable, attenuatable reference a CSpace holds.
// Capabilities are never constructed outside this package's Insert and
// the kernel core that calls it (spec §3).
type Capability struct {
	ObjectKind abi.ObjectKind
	ObjectId   uint64
	Perms      abi.Perms
	Generation abi.Generation
}

// SubsetOf reports whether c's permission bits are all present in parent,
// the attenuation invariant checked on every cap_grant (spec §8 property 6).
func (c Capability) SubsetOf(parent Capability) bool {
	return c.ObjectKind == parent.ObjectKind && c.ObjectId == parent.ObjectId && c.Perms.SubsetOf(parent.Perms)
}

// GenerationSource resolves an object's current generation so Lookup
// can treat a stale capability as absent without a separate revocation
// sweep over every CSpace (spec §3 "Generation").
type GenerationSource interface {
	CurrentGeneration(kind abi.ObjectKind, id uint64) (abi.Generation, bool)
}

// CSpace is a sparse CapSlot -> Capability table with a configurable
// hard cap and deterministic lowest-free-slot allocation (spec §4.2).
type CSpace struct {
	slots map[abi.CapSlot]Capability
	cap   int
}

func New(capacity int) *CSpace {
	return &CSpace{slots: make(map[abi.CapSlot]Capability), cap: capacity}
}

// Insert allocates the lowest free slot for cap and returns it.
func (cs *CSpace) Insert(cap Capability) (abi.CapSlot, error) {
	if cs.cap > 0 && len(cs.slots) >= cs.cap {
		return 0, ErrCapSpaceFull
	}
	slot := cs.lowestFree()
	cs.slots[slot] = cap
	return slot, nil
}

func (cs *CSpace) lowestFree() abi.CapSlot {
	var slot abi.CapSlot
	for {
		if _, ok := cs.slots[slot]; !ok {
			return slot
		}
		slot++
	}
}

// Lookup returns the capability at slot, treating a generation mismatch
// against gs as absent (spec §4.2, §8 property 3).
func (cs *CSpace) Lookup(slot abi.CapSlot, gs GenerationSource) (Capability, bool) {
	c, ok := cs.slots[slot]
	if !ok {
		return Capability{}, false
	}
	if gs != nil {
		cur, known := gs.CurrentGeneration(c.ObjectKind, c.ObjectId)
		if !known || cur != c.Generation {
			return Capability{}, false
		}
	}
	return c, true
}

// Remove deletes and returns the capability at slot, if present.
func (cs *CSpace) Remove(slot abi.CapSlot) (Capability, bool) {
	c, ok := cs.slots[slot]
	if ok {
		delete(cs.slots, slot)
	}
	return c, ok
}

// Iter returns every (slot, capability) pair in slot order, a
// deterministic snapshot for replay and for cascade teardown.
func (cs *CSpace) Iter() []SlotCap {
	out := make([]SlotCap, 0, len(cs.slots))
	for s, c := range cs.slots {
		out = append(out, SlotCap{Slot: s, Cap: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

func (cs *CSpace) Len() int { return len(cs.slots) }

type SlotCap struct {
	Slot abi.CapSlot
	Cap  Capability
}
