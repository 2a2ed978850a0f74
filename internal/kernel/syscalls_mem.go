/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"github.com/axiom-os/axiom/internal/abi"
	"github.com/axiom-os/axiom/internal/commit"
	"github.com/axiom-os/axiom/internal/process"
	"github.com/axiom-os/axiom/pkg/syscallerr"
)

// MemAlloc charges bytes against caller's quota (spec §4.4, §6 row 13).
func (c *Core) MemAlloc(caller abi.ProcessId, bytes uint64) ([]commit.Commit, error) {
	rec, ok := c.Procs.Get(caller)
	if !ok {
		return nil, syscallerr.New("mem_alloc", syscallerr.NotFound)
	}
	if rec.Usage+bytes > rec.Quota {
		return nil, syscallerr.New("mem_alloc", syscallerr.Quota)
	}
	mc := commit.Commit{Kind: commit.MemoryAllocated, Memory: &commit.MemoryPayload{
		Pid: caller, Delta: int64(bytes), Usage: rec.Usage + bytes,
	}}
	if err := c.apply(mc); err != nil {
		if err == process.ErrQuotaExceeded {
			return nil, syscallerr.New("mem_alloc", syscallerr.Quota)
		}
		return nil, syscallerr.New("mem_alloc", syscallerr.InternalInvariantViolation)
	}
	return []commit.Commit{mc}, nil
}

// MemFree releases bytes from caller's usage, saturating at zero
// (spec §4.4, §6 row 14).
func (c *Core) MemFree(caller abi.ProcessId, bytes uint64) ([]commit.Commit, error) {
	rec, ok := c.Procs.Get(caller)
	if !ok {
		return nil, syscallerr.New("mem_free", syscallerr.NotFound)
	}
	newUsage := rec.Usage
	if bytes >= newUsage {
		newUsage = 0
	} else {
		newUsage -= bytes
	}
	mc := commit.Commit{Kind: commit.MemoryFreed, Memory: &commit.MemoryPayload{
		Pid: caller, Delta: -int64(bytes), Usage: newUsage,
	}}
	if err := c.apply(mc); err != nil {
		return nil, syscallerr.New("mem_free", syscallerr.InternalInvariantViolation)
	}
	return []commit.Commit{mc}, nil
}

// MemQuery reports caller's current quota and usage; it mutates nothing
// and emits no commit (spec §6 row 13's companion read-only query).
type MemInfo struct {
	Quota, Usage uint64
}

func (c *Core) MemQuery(caller abi.ProcessId) (MemInfo, error) {
	rec, ok := c.Procs.Get(caller)
	if !ok {
		return MemInfo{}, syscallerr.New("mem_query", syscallerr.NotFound)
	}
	return MemInfo{Quota: rec.Quota, Usage: rec.Usage}, nil
}
