/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package platform defines the abstract interface the kernel core and
// gateway depend on to actually start execution contexts, read the
// clock, and persist commits (spec §4.7). The core never imports a
// concrete adapter; it is handed one at boot.
package platform

import (
	"errors"

	"github.com/axiom-os/axiom/internal/abi"
	"github.com/axiom-os/axiom/internal/commit"
)

// Handle is an opaque adapter-defined reference to a running execution
// context. The core never inspects it; the supervisor uses Done to
// learn of unsolicited exits so it can apply a service's restart
// policy (spec §4.8 "Init monitors child termination").
type Handle interface {
	Pid() abi.ProcessId
	Done() <-chan struct{}

	// ExitStatus reports how the execution context ended. It is only
	// meaningful after Done() has fired; the supervisor reads it to
	// tell a clean exit from an abnormal one, which is what
	// distinguishes the OnFailure restart policy from Always (spec
	// §4.8 restart policy enumeration).
	ExitStatus() ExitStatus
}

// ExitStatus is the terminal state of a Handle's execution context.
// Normal is true for a zero-status exit, including one the supervisor
// itself requested via Terminate.
type ExitStatus struct {
	Normal bool
	Code   int
	Reason string
}

// Adapter is the full surface a platform collaborator implements. Two
// reference implementations ship in subpackages: memadapter (cooperative,
// in-process, for a single-threaded event-loop-style host) and osadapter
// (native OS processes). The core must not assume either is in use.
type Adapter interface {
	// Spawn starts a sandboxed execution context for pid running
	// binaryRef. It must fault back to the gateway on any privileged
	// operation rather than executing it directly.
	Spawn(pid abi.ProcessId, binaryRef []byte) (Handle, error)
	Terminate(h Handle) error

	// Now returns a monotonic clock reading; it is the sole time source
	// the kernel core and gateway use for commit and audit timestamps.
	Now() abi.Nanos

	// YieldCPU relinquishes the logical kernel thread, giving the
	// adapter's scheduler (goroutine, event loop, OS scheduler) a chance
	// to run something else before the next syscall is dispatched.
	YieldCPU()
}

// PersistentAdapter is implemented by adapters that back the commit log
// with durable storage (spec §4.7 persist_commit / load_commit_range).
// An Adapter that does not implement this keeps the commit log
// in-memory only for the session.
type PersistentAdapter interface {
	Adapter
	commit.Sink
}

// ErrNotSupported is returned by an Adapter method a given
// implementation intentionally does not provide (e.g. Terminate on a
// handle it never tracked).
var ErrNotSupported = errors.New("platform: operation not supported by this adapter")
