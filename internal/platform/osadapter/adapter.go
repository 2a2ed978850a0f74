/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package osadapter is the native-OS reference platform adapter (spec
// §4.7's second reference collaborator): each execution context is a
// real child process, isolated by the OS rather than cooperatively
// scheduled. Process group handling is grounded in the same
// os/exec+syscall.SysProcAttr pattern a process supervisor uses to
// manage long-lived children.
package osadapter

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/axiom-os/axiom/internal/abi"
	"github.com/axiom-os/axiom/internal/platform"
)

// KillGrace bounds how long Terminate waits for SIGINT to land before
// escalating to SIGKILL.
var KillGrace = 10 * time.Second

var ErrNoProcess = errors.New("osadapter: handle has no running process")

type handle struct {
	pid    abi.ProcessId
	cmd    *exec.Cmd
	done   chan struct{}
	status platform.ExitStatus
}

func (h *handle) Pid() abi.ProcessId              { return h.pid }
func (h *handle) Done() <-chan struct{}           { return h.done }
func (h *handle) ExitStatus() platform.ExitStatus { return h.status }

// Adapter spawns binaryRef as a path to an executable, one child
// process per pid, each in its own process group so a single
// SIGINT/SIGKILL can reach the whole group.
type Adapter struct {
	mtx     sync.Mutex
	running map[abi.ProcessId]*handle
	start   time.Time
}

func New() *Adapter {
	return &Adapter{running: make(map[abi.ProcessId]*handle), start: time.Now()}
}

func (a *Adapter) Spawn(pid abi.ProcessId, binaryRef []byte) (platform.Handle, error) {
	path := string(binaryRef)
	cmd := exec.Command(path)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &handle{pid: pid, cmd: cmd, done: make(chan struct{})}
	a.mtx.Lock()
	a.running[pid] = h
	a.mtx.Unlock()
	go func() {
		waitErr := cmd.Wait()
		switch {
		case cmd.ProcessState != nil:
			code := cmd.ProcessState.ExitCode()
			h.status = platform.ExitStatus{Normal: code == 0, Code: code}
		case waitErr != nil:
			h.status = platform.ExitStatus{Code: -1, Reason: waitErr.Error()}
		default:
			h.status = platform.ExitStatus{Normal: true}
		}
		close(h.done)
		a.mtx.Lock()
		delete(a.running, pid)
		a.mtx.Unlock()
	}()
	return h, nil
}

func (a *Adapter) Terminate(h platform.Handle) error {
	oh, ok := h.(*handle)
	if !ok || oh.cmd.Process == nil {
		return ErrNoProcess
	}
	pgid, err := unix.Getpgid(oh.cmd.Process.Pid)
	if err != nil {
		pgid = oh.cmd.Process.Pid
	}
	unix.Kill(-pgid, unix.SIGINT)

	ctx, cancel := context.WithTimeout(context.Background(), KillGrace)
	defer cancel()
	select {
	case <-oh.done:
		return nil
	case <-ctx.Done():
		unix.Kill(-pgid, unix.SIGKILL)
		<-oh.done
		return nil
	}
}

func (a *Adapter) Now() abi.Nanos {
	return abi.Nanos(time.Since(a.start))
}

func (a *Adapter) YieldCPU() {
	// Real OS processes are pre-emptively scheduled; there is nothing
	// for the adapter itself to yield.
}
