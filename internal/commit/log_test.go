/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package commit

import (
	"testing"

	"github.com/axiom-os/axiom/internal/abi"
)

func TestAppendAssignsSequenceAndChainsDigest(t *testing.T) {
	l := NewLog(0, nil)
	seq0, err := l.Append(Commit{Kind: ProcessRegistered})
	if err != nil {
		t.Fatal(err)
	}
	seq1, err := l.Append(Commit{Kind: ProcessTerminated})
	if err != nil {
		t.Fatal(err)
	}
	if seq0 != 0 || seq1 != 1 {
		t.Fatalf("want sequences 0,1, got %d,%d", seq0, seq1)
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("freshly appended log should verify: %v", err)
	}
}

func TestAppendRespectsMaxLen(t *testing.T) {
	l := NewLog(1, nil)
	if _, err := l.Append(Commit{Kind: ProcessRegistered}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(Commit{Kind: ProcessRegistered}); err != ErrFull {
		t.Fatalf("want ErrFull, got %v", err)
	}
}

func TestVerifyDetectsTamperedDigest(t *testing.T) {
	l := NewLog(0, nil)
	l.Append(Commit{Kind: ProcessRegistered})
	l.Append(Commit{Kind: EndpointCreated})
	l.entries[1].Digest ^= 0xff
	if err := l.Verify(); err != ErrCorrupted {
		t.Fatalf("want ErrCorrupted, got %v", err)
	}
}

func TestIterReturnsSuffixFromSeq(t *testing.T) {
	l := NewLog(0, nil)
	l.Append(Commit{Kind: ProcessRegistered})
	l.Append(Commit{Kind: EndpointCreated})
	l.Append(Commit{Kind: EndpointDestroyed})
	got := l.Iter(1)
	if len(got) != 2 {
		t.Fatalf("want 2 entries from seq 1, got %d", len(got))
	}
	if got[0].Kind != EndpointCreated || got[1].Kind != EndpointDestroyed {
		t.Fatalf("unexpected kinds: %v, %v", got[0].Kind, got[1].Kind)
	}
	if got := l.Iter(abi.CommitSeq(l.Len())); got != nil {
		t.Fatalf("Iter past the end must return nil, got %v", got)
	}
}

// fakeSink records every persisted commit and can be told to fail, used
// to exercise the rollback-on-persist-failure path (spec §7 StorageError).
type fakeSink struct {
	persisted []Commit
	failAt    int
}

func (f *fakeSink) Persist(c Commit) error {
	if f.failAt >= 0 && len(f.persisted) == f.failAt {
		return errPersistFailed
	}
	f.persisted = append(f.persisted, c)
	return nil
}

func (f *fakeSink) LoadRange(from, to abi.CommitSeq) ([]Commit, error) {
	return f.persisted, nil
}

var errPersistFailed = &sinkError{"persist failed"}

type sinkError struct{ s string }

func (e *sinkError) Error() string { return e.s }

func TestAppendRollsBackOnPersistFailure(t *testing.T) {
	sink := &fakeSink{failAt: 1}
	l := NewLog(0, sink)
	if _, err := l.Append(Commit{Kind: ProcessRegistered}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(Commit{Kind: EndpointCreated}); err == nil {
		t.Fatal("want persist error on the second append")
	}
	if l.Len() != 1 {
		t.Fatalf("failed append must not leave a dangling in-memory entry, got len=%d", l.Len())
	}
}

func TestAppendBatchIsAllOrNothingInOrder(t *testing.T) {
	l := NewLog(0, nil)
	seqs, err := l.AppendBatch([]Commit{{Kind: ProcessRegistered}, {Kind: EndpointCreated}, {Kind: MessageEnqueued}})
	if err != nil {
		t.Fatal(err)
	}
	if len(seqs) != 3 || seqs[0] != 0 || seqs[1] != 1 || seqs[2] != 2 {
		t.Fatalf("want contiguous sequences 0,1,2, got %v", seqs)
	}
}

func TestLoadFromSinkReplacesEntriesAndVerifies(t *testing.T) {
	sink := &fakeSink{failAt: -1}
	seed := NewLog(0, sink)
	seed.Append(Commit{Kind: ProcessRegistered})
	seed.Append(Commit{Kind: EndpointCreated})

	l := NewLog(0, sink)
	if err := l.LoadFromSink(0); err != nil {
		t.Fatal(err)
	}
	if l.Len() != 2 {
		t.Fatalf("want 2 loaded entries, got %d", l.Len())
	}
}
