/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"testing"

	"github.com/axiom-os/axiom/internal/abi"
	"github.com/axiom-os/axiom/internal/commit"
	"github.com/axiom-os/axiom/pkg/syscallerr"
)

func testClock() Clock {
	var n abi.Nanos
	return FuncClock(func() abi.Nanos {
		n++
		return n
	})
}

func bootedCore(t *testing.T) (*Core, commit.Commit) {
	t.Helper()
	c := New(testClock())
	g := c.Genesis(1<<20, []byte("init"))
	return c, g
}

func TestGenesisRegistersInitAtPidZero(t *testing.T) {
	c, g := bootedCore(t)
	if g.Kind != commit.ProcessRegistered {
		t.Fatalf("want ProcessRegistered, got %v", g.Kind)
	}
	if _, ok := c.Procs.Get(abi.InitPID); !ok {
		t.Fatal("genesis must register a live record at InitPID")
	}
}

func TestSpawnProducesChildOfCaller(t *testing.T) {
	c, _ := bootedCore(t)
	res, cms, err := c.Spawn(abi.InitPID, "svc", []byte("/bin/svc"), 4096)
	if err != nil {
		t.Fatal(err)
	}
	if len(cms) != 1 || cms[0].Kind != commit.ProcessRegistered {
		t.Fatalf("want a single ProcessRegistered commit, got %v", cms)
	}
	if _, ok := c.Procs.Get(res.Pid); !ok {
		t.Fatal("spawned child must be live in the process table")
	}
}

func TestEpSendRespectsCapacityAndEpRecvOrdersFifo(t *testing.T) {
	c, _ := bootedCore(t)
	epRes, _, err := c.EpCreate(abi.InitPID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.EpSend(abi.InitPID, epRes.Slot, 1, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.EpSend(abi.InitPID, epRes.Slot, 2, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.EpSend(abi.InitPID, epRes.Slot, 3, []byte("c")); syscallerr.Of(err) != syscallerr.WouldBlock {
		t.Fatalf("want WouldBlock at capacity, got %v", err)
	}

	res1, _, err := c.EpRecv(abi.InitPID, epRes.Slot, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if res1.Message.Tag != 1 {
		t.Fatalf("want FIFO tag 1 first, got %d", res1.Message.Tag)
	}
	res2, _, err := c.EpRecv(abi.InitPID, epRes.Slot, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Message.Tag != 2 {
		t.Fatalf("want FIFO tag 2 second, got %d", res2.Message.Tag)
	}
	if _, _, err := c.EpRecv(abi.InitPID, epRes.Slot, nil, false); syscallerr.Of(err) != syscallerr.Timeout {
		t.Fatalf("want Timeout on empty non-blocking recv, got %v", err)
	}
}

func TestEpRecvDoesNotDoubleDequeue(t *testing.T) {
	// Regression: EpRecv must dequeue exactly one message per call, not
	// two, even though the returned commit is only stamped (not folded
	// back through Apply).
	c, _ := bootedCore(t)
	epRes, _, _ := c.EpCreate(abi.InitPID, 4)
	c.EpSend(abi.InitPID, epRes.Slot, 1, nil)
	c.EpSend(abi.InitPID, epRes.Slot, 2, nil)
	c.EpSend(abi.InitPID, epRes.Slot, 3, nil)

	if _, _, err := c.EpRecv(abi.InitPID, epRes.Slot, nil, false); err != nil {
		t.Fatal(err)
	}
	res2, _, err := c.EpRecv(abi.InitPID, epRes.Slot, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Message.Tag != 2 {
		t.Fatalf("second recv must return the second message (tag 2), got %d — a double-dequeue would skip to tag 3", res2.Message.Tag)
	}
	res3, _, err := c.EpRecv(abi.InitPID, epRes.Slot, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if res3.Message.Tag != 3 {
		t.Fatalf("want tag 3 remaining, got %d", res3.Message.Tag)
	}
}

func TestCapGrantEnforcesAttenuation(t *testing.T) {
	c, _ := bootedCore(t)
	childRes, _, _ := c.Spawn(abi.InitPID, "child", []byte("/bin/child"), 4096)
	epRes, _, _ := c.EpCreate(abi.InitPID, 4)

	if _, _, err := c.CapGrant(abi.InitPID, epRes.Slot, childRes.Pid, abi.PermRead|abi.PermWrite|abi.PermGrant); err != nil {
		// requesting exactly the source's own perm set must succeed
		t.Fatal(err)
	}

	// A second grant asking for more than the source holds must fail
	// closed with Attenuation and must not emit a commit.
	bogus := abi.Perms(0xff)
	if _, _, err := c.CapGrant(abi.InitPID, epRes.Slot, childRes.Pid, bogus); syscallerr.Of(err) != syscallerr.Attenuation {
		t.Fatalf("want Attenuation, got %v", err)
	}
}

func TestCapRevokeInvalidatesDescendants(t *testing.T) {
	c, _ := bootedCore(t)
	childRes, _, _ := c.Spawn(abi.InitPID, "child", []byte("/bin/child"), 4096)
	epRes, _, _ := c.EpCreate(abi.InitPID, 4)
	grantRes, _, err := c.CapGrant(abi.InitPID, epRes.Slot, childRes.Pid, abi.PermRead)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.CapRevoke(abi.InitPID, epRes.Slot); err != nil {
		t.Fatal(err)
	}

	// The child's derived capability names the same object+generation it
	// was granted at; once the source is revoked the object's generation
	// has moved on, so the child's capability must resolve as absent.
	if _, err := c.CapInspect(childRes.Pid, grantRes.DstSlot); syscallerr.Of(err) != syscallerr.NoCap {
		t.Fatalf("want the derived capability to be invalidated by revocation, got %v", err)
	}
}

func TestKillRequiresCapabilityUnlessInit(t *testing.T) {
	c, _ := bootedCore(t)
	a, _, _ := c.Spawn(abi.InitPID, "a", []byte("/bin/a"), 4096)
	b, _, _ := c.Spawn(abi.InitPID, "b", []byte("/bin/b"), 4096)

	if _, err := c.Kill(a.Pid, b.Pid); syscallerr.Of(err) != syscallerr.NoCap {
		t.Fatalf("want NoCap without a process capability, got %v", err)
	}
	if _, err := c.Kill(abi.InitPID, b.Pid); err != nil {
		t.Fatalf("Init must always be able to kill: %v", err)
	}
	if _, ok := c.Procs.Get(b.Pid); ok {
		t.Fatal("killed process must no longer be live")
	}
}

func TestTerminationDrainsOwnedEndpoints(t *testing.T) {
	c, _ := bootedCore(t)
	svc, _, _ := c.Spawn(abi.InitPID, "svc", []byte("/bin/svc"), 4096)
	epRes, _, _ := c.EpCreate(svc.Pid, 4)
	c.EpSend(svc.Pid, epRes.Slot, 1, []byte("undelivered"))

	cms, err := c.Exit(svc.Pid, 0)
	if err != nil {
		t.Fatal(err)
	}
	var sawDroppedMessage, sawEndpointDestroyed, sawProcessTerminated bool
	for _, cm := range cms {
		switch cm.Kind {
		case commit.MessageDequeued:
			if cm.Message.Dropped {
				sawDroppedMessage = true
			}
		case commit.EndpointDestroyed:
			sawEndpointDestroyed = true
		case commit.ProcessTerminated:
			sawProcessTerminated = true
		}
		if cm.At == 0 {
			t.Fatalf("every commit reaching the log must carry a timestamp, got zero for %v", cm.Kind)
		}
	}
	if !sawDroppedMessage || !sawEndpointDestroyed || !sawProcessTerminated {
		t.Fatalf("expected dropped-message, endpoint-destroyed and process-terminated commits, got %v", cms)
	}
}

func TestReplayFromProducesEquivalentState(t *testing.T) {
	c, genesis := bootedCore(t)
	_, spawnCms, _ := c.Spawn(abi.InitPID, "svc", []byte("/bin/svc"), 4096)
	epRes, epCms, _ := c.EpCreate(abi.InitPID, 4)
	sendCms, _ := c.EpSend(abi.InitPID, epRes.Slot, 7, []byte("hi"))

	var all []commit.Commit
	all = append(all, genesis)
	all = append(all, spawnCms...)
	all = append(all, epCms...)
	all = append(all, sendCms...)

	replayed, err := ReplayFrom(testClock(), all)
	if err != nil {
		t.Fatal(err)
	}
	if len(replayed.Procs.Live()) != len(c.Procs.Live()) {
		t.Fatalf("live process count diverged: replay=%d live=%d", len(replayed.Procs.Live()), len(c.Procs.Live()))
	}
	if len(replayed.CSpaces) != len(c.CSpaces) {
		t.Fatalf("CSpace count diverged: replay=%d live=%d", len(replayed.CSpaces), len(c.CSpaces))
	}
}
