/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package endpoint

import (
	"errors"
	"sort"

	"github.com/axiom-os/axiom/internal/abi"
)

var (
	ErrNotFound   = errors.New("endpoint not found")
	ErrWouldBlock = errors.New("endpoint queue at capacity")
)

// Endpoint is the registry's view of a single IPC object: its owner and
// its bounded queue. Generation is bumped when the endpoint is
// destroyed, invalidating any capability that still names it.
type Endpoint struct {
	Id         abi.EndpointId
	Owner      abi.ProcessId
	Capacity   uint32
	Generation abi.Generation
	q          *Queue
	destroyed  bool
}

// Registry holds every live endpoint. It is single-threaded by
// contract: the Verification Gateway serializes all calls onto it
// (spec §4.3, §5).
type Registry struct {
	next abi.EndpointId
	eps  map[abi.EndpointId]*Endpoint
}

func NewRegistry() *Registry {
	return &Registry{eps: make(map[abi.EndpointId]*Endpoint), next: 1}
}

// Create allocates a new endpoint owned by owner with the given bounded
// capacity. The caller (kernel core) is responsible for emitting the
// EndpointCreated commit; this call only mutates in-memory state.
func (r *Registry) Create(owner abi.ProcessId, capacity uint32) (*Endpoint, error) {
	q, err := newQueue(capacity)
	if err != nil {
		return nil, err
	}
	id := r.next
	r.next++
	ep := &Endpoint{Id: id, Owner: owner, Capacity: capacity, q: q}
	r.eps[id] = ep
	return ep, nil
}

func (r *Registry) Get(id abi.EndpointId) (*Endpoint, bool) {
	ep, ok := r.eps[id]
	if !ok || ep.destroyed {
		return nil, false
	}
	return ep, true
}

// CurrentGeneration implements capspace.GenerationSource for endpoint
// objects.
func (r *Registry) CurrentGeneration(kind abi.ObjectKind, id uint64) (abi.Generation, bool) {
	if kind != abi.ObjEndpoint {
		return 0, false
	}
	ep, ok := r.eps[abi.EndpointId(id)]
	if !ok {
		return 0, false
	}
	return ep.Generation, true
}

// Destroy drops the endpoint and returns every message still queued so
// the kernel core can emit a MessageDequeued commit per drop, plus the
// EndpointDestroyed commit (spec §4.3 — "never drops silently" means
// never *untracked*, not that destruction cannot discard backlog).
func (r *Registry) Destroy(id abi.EndpointId) ([]Message, error) {
	ep, ok := r.eps[id]
	if !ok || ep.destroyed {
		return nil, ErrNotFound
	}
	dropped := ep.q.drain()
	ep.destroyed = true
	ep.Generation++
	delete(r.eps, id)
	return dropped, nil
}

// Enqueue appends a message in send order. It returns ErrWouldBlock
// (never an error that implies loss) when the queue is at capacity.
func (r *Registry) Enqueue(id abi.EndpointId, m Message) error {
	ep, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	if !ep.q.tryEnqueue(m) {
		return ErrWouldBlock
	}
	return nil
}

// Dequeue removes and returns the oldest message, non-blocking.
func (r *Registry) Dequeue(id abi.EndpointId) (Message, bool, error) {
	ep, ok := r.Get(id)
	if !ok {
		return Message{}, false, ErrNotFound
	}
	m, ok := ep.q.tryDequeue()
	return m, ok, nil
}

// QueueLen and QueueCounts expose the bookkeeping needed for the
// enqueued-minus-dequeued invariant (spec §8 property 5).
func (r *Registry) QueueLen(id abi.EndpointId) (uint32, error) {
	ep, ok := r.Get(id)
	if !ok {
		return 0, ErrNotFound
	}
	return ep.q.Len(), nil
}

func (r *Registry) QueueCounts(id abi.EndpointId) (enq, deq uint64, err error) {
	ep, ok := r.Get(id)
	if !ok {
		return 0, 0, ErrNotFound
	}
	enq, deq = ep.q.Counts()
	return
}

// OwnedBy returns every live endpoint owned by pid, in id order, used
// by process termination cascade (spec §4.4).
func (r *Registry) OwnedBy(pid abi.ProcessId) []abi.EndpointId {
	var out []abi.EndpointId
	for id, ep := range r.eps {
		if ep.Owner == pid && !ep.destroyed {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
