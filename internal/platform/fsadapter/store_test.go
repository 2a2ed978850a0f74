/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fsadapter

import (
	"testing"

	"github.com/axiom-os/axiom/internal/abi"
	"github.com/axiom-os/axiom/internal/commit"
)

func TestPersistThenLoadRangeRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	want := []commit.Commit{
		{Seq: 0, Kind: commit.ProcessRegistered, Process: &commit.ProcessPayload{Pid: 0, Name: "init"}},
		{Seq: 1, Kind: commit.EndpointCreated, Endpoint: &commit.EndpointPayload{Endpoint: 1, Owner: 0, Capacity: 16}},
	}
	for _, c := range want {
		if err := s.Persist(c); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LoadRange(0, abi.CommitSeq(len(want)))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("want %d commits back, got %d", len(want), len(got))
	}
	for i, c := range got {
		if c.Kind != want[i].Kind || c.Seq != want[i].Seq {
			t.Fatalf("commit %d mismatch: got %+v, want %+v", i, c, want[i])
		}
	}
}

func TestLoadRangeSurvivesRotation(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	before := []commit.Commit{
		{Seq: 0, Kind: commit.ProcessRegistered, Process: &commit.ProcessPayload{Pid: 0, Name: "init"}},
		{Seq: 1, Kind: commit.EndpointCreated, Endpoint: &commit.EndpointPayload{Endpoint: 1, Owner: 0, Capacity: 16}},
	}
	for _, c := range before {
		if err := s.Persist(c); err != nil {
			t.Fatal(err)
		}
	}

	// Force a rotation mid-log, the way Persist would once the active
	// segment crossed maxSegmentSz.
	s.mtx.Lock()
	if err := s.rotateLocked(); err != nil {
		s.mtx.Unlock()
		t.Fatalf("rotateLocked: %v", err)
	}
	s.mtx.Unlock()

	after := []commit.Commit{
		{Seq: 2, Kind: commit.CapabilityGranted, Capability: &commit.CapabilityPayload{IntoPid: 0, Slot: 0}},
	}
	for _, c := range after {
		if err := s.Persist(c); err != nil {
			t.Fatal(err)
		}
	}

	want := append(append([]commit.Commit{}, before...), after...)
	got, err := s.LoadRange(0, abi.CommitSeq(len(want)))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("want %d commits back after rotation, got %d", len(want), len(got))
	}
	for i, c := range got {
		if c.Kind != want[i].Kind || c.Seq != want[i].Seq {
			t.Fatalf("commit %d mismatch: got %+v, want %+v", i, c, want[i])
		}
	}
}

func TestReopenAfterRotationDoesNotOverwriteArchive(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Persist(commit.Commit{Seq: 0, Kind: commit.ProcessRegistered, Process: &commit.ProcessPayload{Pid: 0}}); err != nil {
		t.Fatal(err)
	}
	s.mtx.Lock()
	if err := s.rotateLocked(); err != nil {
		s.mtx.Unlock()
		t.Fatalf("rotateLocked: %v", err)
	}
	s.mtx.Unlock()
	if err := s.Persist(commit.Commit{Seq: 1, Kind: commit.EndpointCreated, Endpoint: &commit.EndpointPayload{Endpoint: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if reopened.archiveN != 1 {
		t.Fatalf("want reopened store to know about 1 prior archive, got %d", reopened.archiveN)
	}
	got, err := reopened.LoadRange(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 commits visible after reopen, got %d", len(got))
	}
}

func TestOpenFailsWhenDirectoryIsAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	if _, err := Open(dir); err != ErrLocked {
		t.Fatalf("want ErrLocked while another store holds dir, got %v", err)
	}
}
