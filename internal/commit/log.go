/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package commit

import (
	"encoding/gob"
	"hash/fnv"
	"sync"

	"github.com/axiom-os/axiom/internal/abi"
)

// Sink is the optional durability hook a platform adapter provides
// (spec §4.7 persist_commit/load_commit_range). A Log with a nil Sink
// lives only in memory for the session.
type Sink interface {
	Persist(c Commit) error
	LoadRange(from, to abi.CommitSeq) ([]Commit, error)
}

// Log is the append-only, in-process view of the commit log. The
// gateway is its only writer (spec §4.6, §5 "exactly one writer").
type Log struct {
	mtx     sync.Mutex
	entries []Commit
	maxLen  uint64
	sink    Sink
}

// NewLog creates a log capped at maxLen entries. maxLen of 0 means
// unbounded (appropriate for ephemeral, in-memory sessions only).
func NewLog(maxLen uint64, sink Sink) *Log {
	return &Log{maxLen: maxLen, sink: sink}
}

// Append adds a single commit, assigning and returning its sequence.
// The digest chains the previous commit's digest together with this
// commit's entire encoded contents (sequence, timestamp, kind, and
// every payload field), so reordering or tampering with any of them is
// detectable on replay (spec §4.1).
func (l *Log) Append(c Commit) (abi.CommitSeq, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.maxLen > 0 && uint64(len(l.entries)) >= l.maxLen {
		return 0, ErrFull
	}
	seq := abi.CommitSeq(len(l.entries))
	c.Seq = seq
	c.Digest = l.chainDigest(c)
	l.entries = append(l.entries, c)
	if l.sink != nil {
		if err := l.sink.Persist(c); err != nil {
			// roll back the in-memory append; the pending commit is
			// not considered applied (spec §7 StorageError).
			l.entries = l.entries[:len(l.entries)-1]
			return 0, err
		}
	}
	return seq, nil
}

// AppendBatch appends every commit as a single atomic unit (spec §4.6
// point 4: commits from one syscall are appended together, in order).
func (l *Log) AppendBatch(cs []Commit) ([]abi.CommitSeq, error) {
	seqs := make([]abi.CommitSeq, 0, len(cs))
	for _, c := range cs {
		seq, err := l.Append(c)
		if err != nil {
			return seqs, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

func (l *Log) chainDigest(c Commit) uint64 {
	var prev uint64
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Digest
	}
	return digestOf(prev, c)
}

// digestOf hashes prev together with every field of c (Digest itself
// excluded, since it isn't known yet when this is computed). Using the
// gob encoding already wired in for persistence rather than a
// hand-rolled field walk keeps this in step automatically as Commit's
// payload types grow.
func digestOf(prev uint64, c Commit) uint64 {
	c.Digest = 0
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(prev >> (8 * i))
	}
	h.Write(buf[:])
	_ = gob.NewEncoder(h).Encode(&c)
	return h.Sum64()
}

// Len returns the number of commits currently appended.
func (l *Log) Len() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return len(l.entries)
}

// Iter returns every commit from seq (inclusive) onward, in order, for
// replay or for handing a range to the audit log's response record.
func (l *Log) Iter(from abi.CommitSeq) []Commit {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if int(from) >= len(l.entries) {
		return nil
	}
	out := make([]Commit, len(l.entries)-int(from))
	copy(out, l.entries[from:])
	return out
}

// Verify checks that sequences are contiguous from zero and that the
// chained digest of every entry matches what Append would have
// computed, returning ErrCorrupted on the first mismatch (spec §4.1).
func (l *Log) Verify() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	var prev uint64
	for i, c := range l.entries {
		if int(c.Seq) != i {
			return ErrCorrupted
		}
		if digestOf(prev, c) != c.Digest {
			return ErrCorrupted
		}
		prev = c.Digest
	}
	return nil
}

// LoadFromSink replaces the in-memory log with whatever range the sink
// reports for [0, upto); an upto of 0 asks for every commit the sink
// holds. Used during boot replay (spec §4.8 step 1).
func (l *Log) LoadFromSink(upto abi.CommitSeq) error {
	if l.sink == nil {
		return nil
	}
	cs, err := l.sink.LoadRange(0, upto)
	if err != nil {
		return err
	}
	l.mtx.Lock()
	l.entries = cs
	l.mtx.Unlock()
	return l.Verify()
}
