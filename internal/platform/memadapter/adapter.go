/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package memadapter is the cooperative, in-process reference platform
// adapter (spec §4.7's "browser-like single-threaded event loop"
// collaborator). Execution contexts are goroutines running a
// registered entry point; there is no real process isolation, making
// this adapter suitable for tests and for hosting Axiom inside another
// Go process rather than for untrusted code.
package memadapter

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/axiom-os/axiom/internal/abi"
	"github.com/axiom-os/axiom/internal/platform"
)

// EntryPoint is a registered binary: the function a spawned context
// runs. ctx is cancelled when Terminate is called on that context's
// handle. A non-nil return is an abnormal exit, reported through the
// handle's ExitStatus the same way a non-zero exit code is for
// osadapter.
type EntryPoint func(ctx context.Context, pid abi.ProcessId) error

var ErrUnknownBinary = errors.New("memadapter: no entry point registered for binary ref")

type handle struct {
	pid    abi.ProcessId
	cancel context.CancelFunc
	done   chan struct{}
	status platform.ExitStatus
}

func (h *handle) Pid() abi.ProcessId              { return h.pid }
func (h *handle) Done() <-chan struct{}           { return h.done }
func (h *handle) ExitStatus() platform.ExitStatus { return h.status }

// Adapter is a platform.Adapter; registered entry points stand in for
// binaries. boot wires services into the registry before Init's
// spawn protocol runs.
type Adapter struct {
	mtx      sync.Mutex
	registry map[string]EntryPoint
	handles  map[abi.ProcessId]*handle
	start    time.Time
}

func New() *Adapter {
	return &Adapter{
		registry: make(map[string]EntryPoint),
		handles:  make(map[abi.ProcessId]*handle),
		start:    time.Now(),
	}
}

// Register binds name (the binaryRef, as a UTF-8 string) to fn. Spawn
// fails with ErrUnknownBinary for any binaryRef not registered.
func (a *Adapter) Register(name string, fn EntryPoint) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.registry[name] = fn
}

func (a *Adapter) Spawn(pid abi.ProcessId, binaryRef []byte) (platform.Handle, error) {
	a.mtx.Lock()
	fn, ok := a.registry[string(binaryRef)]
	a.mtx.Unlock()
	if !ok {
		return nil, ErrUnknownBinary
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{pid: pid, cancel: cancel, done: make(chan struct{})}
	a.mtx.Lock()
	a.handles[pid] = h
	a.mtx.Unlock()
	go func() {
		if err := fn(ctx, pid); err != nil {
			h.status = platform.ExitStatus{Code: 1, Reason: err.Error()}
		} else {
			h.status = platform.ExitStatus{Normal: true}
		}
		close(h.done)
	}()
	return h, nil
}

func (a *Adapter) Terminate(h platform.Handle) error {
	mh, ok := h.(*handle)
	if !ok {
		return platform.ErrNotSupported
	}
	mh.cancel()
	<-mh.done
	a.mtx.Lock()
	delete(a.handles, mh.pid)
	a.mtx.Unlock()
	return nil
}

func (a *Adapter) Now() abi.Nanos {
	return abi.Nanos(time.Since(a.start))
}

// YieldCPU hands control to the Go scheduler; a cooperative process
// under this adapter is just a goroutine, so gosched is the whole of it.
func (a *Adapter) YieldCPU() {
	runtime.Gosched()
}
