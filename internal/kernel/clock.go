/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package kernel is the pure state machine: given (state, syscall
// request, caller id) it returns (result, emitted commits) and leaves
// the new state as the mutated receiver. It never performs I/O and
// never reads wall-clock time directly — only through an injected
// Clock, so the same request replayed against the same state always
// produces the same commits (spec §4.5).
package kernel

import "github.com/axiom-os/axiom/internal/abi"

// Clock is the only time source the kernel core may consult. The
// platform adapter's now() (spec §4.7) is the production implementation;
// tests inject a fixed or stepped clock.
type Clock interface {
	Now() abi.Nanos
}

// FuncClock adapts a plain function to Clock, handy for tests.
type FuncClock func() abi.Nanos

func (f FuncClock) Now() abi.Nanos { return f() }
