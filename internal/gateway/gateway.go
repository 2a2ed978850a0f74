/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package gateway

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/axiom-os/axiom/internal/abi"
	"github.com/axiom-os/axiom/internal/commit"
	"github.com/axiom-os/axiom/internal/kernel"
	"github.com/axiom-os/axiom/pkg/axiomlog"
	"github.com/axiom-os/axiom/pkg/syscallerr"
)

// Clock is reused from the kernel package so the gateway and core agree
// on "now" for audit timestamps.
type Clock = kernel.Clock

// Gateway is the sole entry point for syscalls (spec §4.6). It owns the
// audit log, serializes dispatch onto a single logical thread even when
// the platform adapter runs callers on real OS threads, and refuses new
// work once ShuttingDown has latched (spec §4.6 fail-closed policy).
type Gateway struct {
	Core    *kernel.Core
	Commits *commit.Log
	Audit   *AuditLog

	clock Clock
	log   *axiomlog.Logger
	sem   *semaphore.Weighted

	shuttingDown atomic.Bool
}

// New wires a Gateway around an already-booted Core and commit log. log
// may be nil, in which case a discarding logger is used.
func New(core *kernel.Core, commits *commit.Log, clock Clock, log *axiomlog.Logger) *Gateway {
	if log == nil {
		log = axiomlog.NewDiscard()
	}
	return &Gateway{
		Core:    core,
		Commits: commits,
		Audit:   NewAuditLog(),
		clock:   clock,
		log:     log,
		sem:     semaphore.NewWeighted(1),
	}
}

// Shutdown latches the fail-closed gate; every subsequent dispatch
// returns ShuttingDown without touching the core or either log.
func (g *Gateway) Shutdown() {
	g.shuttingDown.Store(true)
}

// halt is called when the core reports InternalInvariantViolation: the
// commit log's integrity can no longer be trusted, so the gateway stops
// accepting new syscalls immediately (spec §7).
func (g *Gateway) halt(sys abi.Syscall, err error) {
	g.log.Critical("halting on internal invariant violation", axiomlog.KV("syscall", sys.String()), axiomlog.KVErr(err))
	g.shuttingDown.Store(true)
}

// dispatch is the single choke point every syscall wrapper below funnels
// through: acquire the one-at-a-time semaphore, check the fail-closed
// gate, write the audit request, run fn (which invokes the kernel core
// and returns its commits), append those commits as one atomic batch,
// write the audit response, release, and return (spec §4.6 steps 1-6).
func dispatch[R any](g *Gateway, caller abi.ProcessId, sys abi.Syscall, argsDigest uint64, fn func() (R, []commit.Commit, error)) (R, error) {
	var zero R
	if g.shuttingDown.Load() {
		return zero, syscallerr.New(sys.String(), syscallerr.ShuttingDown)
	}
	if err := g.sem.Acquire(context.Background(), 1); err != nil {
		return zero, syscallerr.New(sys.String(), syscallerr.ShuttingDown)
	}
	defer g.sem.Release(1)

	if g.shuttingDown.Load() {
		return zero, syscallerr.New(sys.String(), syscallerr.ShuttingDown)
	}

	now := g.clock.Now()
	reqSeq := g.Audit.Request(caller, sys, argsDigest, now)

	from := abi.CommitSeq(g.Commits.Len())
	result, cms, callErr := fn()

	if callErr != nil {
		if syscallerr.Of(callErr) == syscallerr.InternalInvariantViolation {
			g.halt(sys, callErr)
		}
		g.Audit.Respond(reqSeq, syscallerr.Of(callErr).String(), from, from, g.clock.Now())
		return zero, callErr
	}

	// The core has already folded cms into its own in-memory state (its
	// syscall methods call Core.Apply before returning, the same Apply
	// replay uses). What remains is making that mutation durable. A
	// persist failure here cannot be rolled back cleanly since live
	// state has already moved, so it is treated as fatal rather than as
	// an ordinary denied syscall (spec §7 StorageError is fatal to the
	// syscall; divergence from the log is worse than halting).
	if len(cms) > 0 {
		if _, err := g.Commits.AppendBatch(cms); err != nil {
			g.halt(sys, err)
			g.Audit.Respond(reqSeq, "storage_error", from, from, g.clock.Now())
			return zero, syscallerr.New(sys.String(), syscallerr.StorageError)
		}
	}

	to := abi.CommitSeq(g.Commits.Len())
	g.Audit.Respond(reqSeq, "ok", from, to, g.clock.Now())
	return result, nil
}

type none struct{}

// --- Process syscalls (spec §6 rows 1-5) ---

func (g *Gateway) Spawn(caller abi.ProcessId, name string, binaryRef []byte, quota uint64) (kernel.SpawnResult, error) {
	digest := DigestArgs([]byte(name), binaryRef)
	return dispatch(g, caller, abi.SysSpawn, digest, func() (kernel.SpawnResult, []commit.Commit, error) {
		return g.Core.Spawn(caller, name, binaryRef, quota)
	})
}

// CompensateSpawnFailure is called by Init's spawn protocol when the
// platform adapter could not start pid, not by a userspace syscall. It
// still goes through dispatch, so it is audited under SysSpawn with pid
// as the caller and its commit takes the serialized commit-append path.
func (g *Gateway) CompensateSpawnFailure(pid abi.ProcessId, reason string) error {
	_, err := dispatch(g, pid, abi.SysSpawn, DigestArgs([]byte(reason)), func() (none, []commit.Commit, error) {
		cms, err := g.Core.CompensateSpawnFailure(pid, reason)
		return none{}, cms, err
	})
	return err
}

func (g *Gateway) Exit(caller abi.ProcessId, code int32) error {
	_, err := dispatch(g, caller, abi.SysExit, DigestArgs(), func() (none, []commit.Commit, error) {
		cms, err := g.Core.Exit(caller, code)
		return none{}, cms, err
	})
	return err
}

func (g *Gateway) Kill(caller, target abi.ProcessId) error {
	_, err := dispatch(g, caller, abi.SysKill, DigestArgs(), func() (none, []commit.Commit, error) {
		cms, err := g.Core.Kill(caller, target)
		return none{}, cms, err
	})
	return err
}

func (g *Gateway) Yield(caller abi.ProcessId) error {
	_, err := dispatch(g, caller, abi.SysYield, DigestArgs(), func() (none, []commit.Commit, error) {
		return none{}, nil, g.Core.Yield(caller)
	})
	return err
}

func (g *Gateway) Sleep(caller abi.ProcessId, dur abi.Nanos) error {
	_, err := dispatch(g, caller, abi.SysSleep, DigestArgs(), func() (none, []commit.Commit, error) {
		return none{}, nil, g.Core.Sleep(caller, dur)
	})
	return err
}

// --- Endpoint syscalls (spec §6 rows 6-9) ---

func (g *Gateway) EpCreate(caller abi.ProcessId, capacity uint32) (kernel.EpCreateResult, error) {
	return dispatch(g, caller, abi.SysEpCreate, DigestArgs(), func() (kernel.EpCreateResult, []commit.Commit, error) {
		return g.Core.EpCreate(caller, capacity)
	})
}

func (g *Gateway) EpDestroy(caller abi.ProcessId, slot abi.CapSlot) error {
	_, err := dispatch(g, caller, abi.SysEpDestroy, DigestArgs(), func() (none, []commit.Commit, error) {
		cms, err := g.Core.EpDestroy(caller, slot)
		return none{}, cms, err
	})
	return err
}

func (g *Gateway) EpSend(caller abi.ProcessId, slot abi.CapSlot, tag uint16, payload []byte) error {
	_, err := dispatch(g, caller, abi.SysEpSend, DigestArgs(payload), func() (none, []commit.Commit, error) {
		cms, err := g.Core.EpSend(caller, slot, tag, payload)
		return none{}, cms, err
	})
	return err
}

func (g *Gateway) EpRecv(caller abi.ProcessId, slot abi.CapSlot, deadline *abi.Nanos, blocking bool) (kernel.EpRecvResult, error) {
	return dispatch(g, caller, abi.SysEpRecv, DigestArgs(), func() (kernel.EpRecvResult, []commit.Commit, error) {
		return g.Core.EpRecv(caller, slot, deadline, blocking)
	})
}

// --- Capability syscalls (spec §6 rows 10-12) ---

func (g *Gateway) CapGrant(caller abi.ProcessId, srcSlot abi.CapSlot, target abi.ProcessId, perms abi.Perms) (kernel.CapGrantResult, error) {
	return dispatch(g, caller, abi.SysCapGrant, DigestArgs(), func() (kernel.CapGrantResult, []commit.Commit, error) {
		return g.Core.CapGrant(caller, srcSlot, target, perms)
	})
}

func (g *Gateway) CapRevoke(caller abi.ProcessId, slot abi.CapSlot) error {
	_, err := dispatch(g, caller, abi.SysCapRevoke, DigestArgs(), func() (none, []commit.Commit, error) {
		cms, err := g.Core.CapRevoke(caller, slot)
		return none{}, cms, err
	})
	return err
}

func (g *Gateway) CapInspect(caller abi.ProcessId, slot abi.CapSlot) (kernel.CapInfo, error) {
	return dispatch(g, caller, abi.SysCapInspect, DigestArgs(), func() (kernel.CapInfo, []commit.Commit, error) {
		info, err := g.Core.CapInspect(caller, slot)
		return info, nil, err
	})
}

// --- Memory syscalls (spec §6 rows 13-14) ---

func (g *Gateway) MemAlloc(caller abi.ProcessId, bytes uint64) error {
	_, err := dispatch(g, caller, abi.SysMemAlloc, DigestArgs(), func() (none, []commit.Commit, error) {
		cms, err := g.Core.MemAlloc(caller, bytes)
		return none{}, cms, err
	})
	return err
}

func (g *Gateway) MemFree(caller abi.ProcessId, bytes uint64) error {
	_, err := dispatch(g, caller, abi.SysMemFree, DigestArgs(), func() (none, []commit.Commit, error) {
		cms, err := g.Core.MemFree(caller, bytes)
		return none{}, cms, err
	})
	return err
}

// MemQuery has no assigned syscall number (it is a read-only companion
// to mem_alloc/mem_free, spec §6 row 13) and produces no commit, so it
// bypasses audit framing and the dispatch serialization entirely.
func (g *Gateway) MemQuery(caller abi.ProcessId) (kernel.MemInfo, error) {
	return g.Core.MemQuery(caller)
}

// --- Bootstrap-only and Init-privileged syscalls (spec §6 rows 15-17) ---

func (g *Gateway) ConsoleWrite(caller abi.ProcessId, sink kernel.ConsoleSink, p []byte) error {
	_, err := dispatch(g, caller, abi.SysConsoleWrite, DigestArgs(p), func() (none, []commit.Commit, error) {
		return none{}, nil, g.Core.ConsoleWrite(caller, sink, p)
	})
	return err
}

func (g *Gateway) EpCreateFor(caller, target abi.ProcessId, capacity uint32) (kernel.EpCreateForResult, error) {
	return dispatch(g, caller, abi.SysEpCreateFor, DigestArgs(), func() (kernel.EpCreateForResult, []commit.Commit, error) {
		return g.Core.EpCreateFor(caller, target, capacity)
	})
}

func (g *Gateway) RegisterProcess(caller abi.ProcessId, name string, binaryRef []byte, quota uint64) (kernel.SpawnResult, error) {
	digest := DigestArgs([]byte(name), binaryRef)
	return dispatch(g, caller, abi.SysRegisterProcess, digest, func() (kernel.SpawnResult, []commit.Commit, error) {
		return g.Core.RegisterProcess(caller, name, binaryRef, quota)
	})
}
