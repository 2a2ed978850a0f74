/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package commit defines the tagged state-mutation record and the
// append-only log it lives in (spec §3, §4.1). Kernel state is the fold
// of this log: nothing here performs I/O on its own behalf, and nothing
// here is the authority for *whether* a mutation happened — the
// Verification Gateway is that authority, because only commits it has
// appended are applied (spec §4.6).
package commit

import (
	"errors"

	"github.com/axiom-os/axiom/internal/abi"
)

type Kind uint8

const (
	ProcessRegistered Kind = iota + 1
	ProcessTerminated
	EndpointCreated
	EndpointDestroyed
	CapabilityGranted
	CapabilityRevoked
	MessageEnqueued
	MessageDequeued
	MemoryAllocated
	MemoryFreed
)

func (k Kind) String() string {
	switch k {
	case ProcessRegistered:
		return "ProcessRegistered"
	case ProcessTerminated:
		return "ProcessTerminated"
	case EndpointCreated:
		return "EndpointCreated"
	case EndpointDestroyed:
		return "EndpointDestroyed"
	case CapabilityGranted:
		return "CapabilityGranted"
	case CapabilityRevoked:
		return "CapabilityRevoked"
	case MessageEnqueued:
		return "MessageEnqueued"
	case MessageDequeued:
		return "MessageDequeued"
	case MemoryAllocated:
		return "MemoryAllocated"
	case MemoryFreed:
		return "MemoryFreed"
	}
	return "Unknown"
}

// Commit is the atomic, tagged description of a single state mutation.
// Only one of the payload fields is meaningful, selected by Kind; this
// mirrors the pack's "tagged variant per object kind, never a
// polymorphic hierarchy" idiom (spec §9).
type Commit struct {
	Seq    abi.CommitSeq
	At     abi.Nanos
	Kind   Kind
	Digest uint64 // chained digest over the predecessor + this commit's full contents

	Process    *ProcessPayload    `json:",omitempty"`
	Endpoint   *EndpointPayload   `json:",omitempty"`
	Capability *CapabilityPayload `json:",omitempty"`
	Message    *MessagePayload    `json:",omitempty"`
	Memory     *MemoryPayload     `json:",omitempty"`
}

type ProcessPayload struct {
	Pid        abi.ProcessId
	Name       string
	ParentPid  *abi.ProcessId
	Quota      uint64
	BinaryRef  []byte
	ExitCode   int32
	ExitReason string
}

type EndpointPayload struct {
	Endpoint abi.EndpointId
	Owner    abi.ProcessId
	Capacity uint32
}

type CapabilityPayload struct {
	IntoPid    abi.ProcessId
	Slot       abi.CapSlot
	ObjectKind abi.ObjectKind
	ObjectId   uint64
	Perms      abi.Perms
	Generation abi.Generation
	FromPid    *abi.ProcessId
	FromSlot   *abi.CapSlot
}

type MessagePayload struct {
	Endpoint abi.EndpointId
	Sender   abi.ProcessId
	Tag      uint16
	Bytes    uint32 // length only; commits never carry payload bytes
	Dropped  bool   // true when emitted for auditability during EndpointDestroyed drain
}

type MemoryPayload struct {
	Pid   abi.ProcessId
	Delta int64 // positive for allocate, negative for free
	Usage uint64
}

var (
	// ErrCorrupted is fatal and surfaces to boot (spec §4.1).
	ErrCorrupted = errors.New("commit log corrupted")
	// ErrFull is returned by Append once the log holds maxLen commits.
	// The gateway has no separate error kind for it: like any other
	// append failure it halts the gateway and answers StorageError.
	ErrFull = errors.New("commit log full")
)
