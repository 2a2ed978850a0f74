/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package process

import (
	"testing"

	"github.com/axiom-os/axiom/internal/abi"
)

func TestRegisterRejectsDuplicatePid(t *testing.T) {
	tb := NewTable()
	if err := tb.Register(Record{Pid: 1, Name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := tb.Register(Record{Pid: 1, Name: "b"}); err != ErrDuplicatePid {
		t.Fatalf("want ErrDuplicatePid, got %v", err)
	}
}

func TestZombieIsTerminal(t *testing.T) {
	tb := NewTable()
	_ = tb.Register(Record{Pid: 1, State: Running})
	if err := tb.Terminate(1); err != nil {
		t.Fatal(err)
	}
	if err := tb.SetState(1, Running); err != ErrZombieFinal {
		t.Fatalf("want ErrZombieFinal, got %v", err)
	}
	if _, ok := tb.CurrentGeneration(1); ok {
		t.Fatal("a zombie process must not report a valid generation")
	}
}

func TestAllocateEnforcesQuota(t *testing.T) {
	tb := NewTable()
	_ = tb.Register(Record{Pid: 1, Quota: 100})
	if err := tb.Allocate(1, 60); err != nil {
		t.Fatal(err)
	}
	if err := tb.Allocate(1, 41); err != ErrQuotaExceeded {
		t.Fatalf("want ErrQuotaExceeded at 101/100, got %v", err)
	}
	if err := tb.Allocate(1, 40); err != nil {
		t.Fatalf("60+40 must fit exactly in quota 100: %v", err)
	}
}

func TestFreeSaturatesAtZero(t *testing.T) {
	tb := NewTable()
	_ = tb.Register(Record{Pid: 1, Quota: 100})
	_ = tb.Allocate(1, 30)
	if err := tb.Free(1, 1000); err != nil {
		t.Fatal(err)
	}
	r, _ := tb.Get(1)
	if r.Usage != 0 {
		t.Fatalf("usage must saturate at zero, got %d", r.Usage)
	}
}

func TestNextPidNeverReusesAnId(t *testing.T) {
	tb := NewTable()
	first := tb.NextPid()
	_ = tb.Register(Record{Pid: first})
	second := tb.NextPid()
	if second == first {
		t.Fatalf("NextPid must advance past a registered id, got %d twice", first)
	}
	_ = tb.Terminate(first)
	if tb.NextPid() != second {
		t.Fatal("terminating a process must not free its id for reuse")
	}
}

func TestSchedulerEnqueueDequeueIsFIFO(t *testing.T) {
	s := NewScheduler()
	s.Enqueue(1)
	s.Enqueue(2)
	s.Enqueue(3)
	for _, want := range []abi.ProcessId{1, 2, 3} {
		got, ok := s.Dequeue()
		if !ok || got != want {
			t.Fatalf("want %d, got %d (ok=%v)", want, got, ok)
		}
	}
	if _, ok := s.Dequeue(); ok {
		t.Fatal("empty run queue must report not-ok")
	}
}

func TestSchedulerEnqueueIsIdempotent(t *testing.T) {
	s := NewScheduler()
	s.Enqueue(1)
	s.Enqueue(1)
	if s.RunQueueLen() != 1 {
		t.Fatalf("want exactly one entry for a process enqueued twice, got %d", s.RunQueueLen())
	}
}

func TestSchedulerWakeEndpointOnlyWakesMatchingWaiters(t *testing.T) {
	s := NewScheduler()
	epA := abi.EndpointId(1)
	epB := abi.EndpointId(2)
	s.Park(WaitEntry{Pid: 10, Endpoint: &epA})
	s.Park(WaitEntry{Pid: 11, Endpoint: &epB})

	woken := s.WakeEndpoint(epA)
	if len(woken) != 1 || woken[0] != 10 {
		t.Fatalf("want only pid 10 woken by endpoint A, got %v", woken)
	}
	if _, waiting := s.Waiting(11); !waiting {
		t.Fatal("pid 11 must still be parked on endpoint B")
	}
}

func TestSchedulerExpireDeadlinesWakesOnlyDue(t *testing.T) {
	s := NewScheduler()
	early := abi.Nanos(10)
	late := abi.Nanos(100)
	s.Park(WaitEntry{Pid: 1, Deadline: &early})
	s.Park(WaitEntry{Pid: 2, Deadline: &late})

	expired := s.ExpireDeadlines(50)
	if len(expired) != 1 || expired[0] != 1 {
		t.Fatalf("want only pid 1 expired at t=50, got %v", expired)
	}
	if _, waiting := s.Waiting(2); !waiting {
		t.Fatal("pid 2's later deadline must still be pending")
	}
}

func TestSchedulerRescindRemovesFromBothSets(t *testing.T) {
	s := NewScheduler()
	ep := abi.EndpointId(1)
	s.Park(WaitEntry{Pid: 1, Endpoint: &ep})
	s.Rescind(1)
	if _, waiting := s.Waiting(1); waiting {
		t.Fatal("rescinded pid must not remain in the wait set")
	}
	if woken := s.WakeEndpoint(ep); len(woken) != 0 {
		t.Fatalf("rescinded pid must not be woken, got %v", woken)
	}
}
