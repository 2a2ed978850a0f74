/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package fsadapter persists the commit log to a directory on disk
// (spec §4.7 persist_commit/load_commit_range), guarded by an
// exclusive advisory lock so two axiomd processes never fold or append
// against the same directory concurrently — the single-writer
// invariant the gateway assumes (spec §4.6, §5 "Shared-resource
// policy") has to hold at the host level too, not just in-process.
package fsadapter

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"

	"github.com/axiom-os/axiom/internal/abi"
	"github.com/axiom-os/axiom/internal/commit"
)

const (
	segmentFile   = "commits.log"
	archivePrefix = "commits.log."
	archiveSuffix = ".zst"
	defaultPerm   = 0o640
	maxSegmentSz  = 64 * 1024 * 1024
)

var ErrLocked = errors.New("fsadapter: commit directory held by another process")

// Store implements commit.Sink against a single directory and itself
// compresses each segment it rotates out. Rotation
// never loses commits: every archived segment is replayable, so
// LoadRange's view of the directory always starts at sequence 0 (spec
// §3 "full machine state can be deterministically reconstructed at
// any boot").
type Store struct {
	mtx      sync.Mutex
	dir      string
	lock     *flock.Flock
	f        *os.File
	w        *bufio.Writer
	enc      *gob.Encoder
	size     int64
	archiveN int // number of archived (rotated, compressed) segments, numbered 1..archiveN
}

func archivePath(dir string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", archivePrefix, n, archiveSuffix))
}

// discoverArchiveCount scans dir for existing commits.log.<N>.zst
// segments left by a prior process and returns the highest N present,
// so a reopened Store keeps rotating from where it left off instead
// of overwriting an earlier archive.
func discoverArchiveCount(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, archivePrefix+"*"+archiveSuffix))
	if err != nil {
		return 0, err
	}
	max := 0
	for _, m := range matches {
		base := filepath.Base(m)
		rest := strings.TrimSuffix(strings.TrimPrefix(base, archivePrefix), archiveSuffix)
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}

// Open acquires an exclusive lock on dir and opens (or creates) its
// active commit segment for appending. Open fails immediately with
// ErrLocked rather than blocking if another process already holds it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	lk := flock.New(filepath.Join(dir, ".lock"))
	ok, err := lk.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	f, err := os.OpenFile(filepath.Join(dir, segmentFile), os.O_CREATE|os.O_RDWR|os.O_APPEND, defaultPerm)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		lk.Unlock()
		return nil, err
	}
	archiveN, err := discoverArchiveCount(dir)
	if err != nil {
		f.Close()
		lk.Unlock()
		return nil, err
	}
	w := bufio.NewWriter(f)
	return &Store{dir: dir, lock: lk, f: f, w: w, enc: gob.NewEncoder(w), size: fi.Size(), archiveN: archiveN}, nil
}

func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	return s.lock.Unlock()
}

// Persist implements commit.Sink by appending the gob-encoded commit
// and rotating (with zstd compression of the rolled segment) once the
// active segment crosses maxSegmentSz.
func (s *Store) Persist(c commit.Commit) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.enc.Encode(&c); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	fi, err := s.f.Stat()
	if err != nil {
		return err
	}
	s.size = fi.Size()
	if s.size >= maxSegmentSz {
		return s.rotateLocked()
	}
	return nil
}

// rotateLocked compresses the full active segment into the next
// numbered archive (commits.log.<N>.zst) and starts a fresh active
// segment. Nothing is dropped: LoadRange walks every archive in order
// before the active segment, so sequences stay contiguous from 0
// across any number of rotations (spec §3, §4.8 replay).
func (s *Store) rotateLocked() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	src := filepath.Join(s.dir, segmentFile)
	next := s.archiveN + 1
	dst := archivePath(s.dir, next)
	if err := compressToZstd(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return err
	}
	s.archiveN = next
	f, err := os.OpenFile(src, os.O_CREATE|os.O_RDWR|os.O_APPEND, defaultPerm)
	if err != nil {
		return err
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	s.enc = gob.NewEncoder(s.w)
	s.size = 0
	return nil
}

func compressToZstd(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultPerm)
	if err != nil {
		return err
	}
	defer out.Close()
	zw, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// decodeGobStream decodes every commit.Commit gob-encoded back to back
// in r until EOF.
func decodeGobStream(r io.Reader) ([]commit.Commit, error) {
	dec := gob.NewDecoder(r)
	var out []commit.Commit
	for {
		var c commit.Commit
		if err := dec.Decode(&c); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// decodeArchive decompresses and decodes one rotated, zstd-compressed
// segment.
func decodeArchive(path string) ([]commit.Commit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return decodeGobStream(zr)
}

// LoadRange implements commit.Sink by replaying every archived segment
// in rotation order, oldest first, followed by the active segment, so
// the sequence space a caller sees is contiguous from 0 regardless of
// how many rotations have happened (spec §3 "full machine state can be
// deterministically reconstructed at any boot", §4.8 replay).
func (s *Store) LoadRange(from, to abi.CommitSeq) ([]commit.Commit, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.w.Flush(); err != nil {
		return nil, err
	}

	var all []commit.Commit
	for n := 1; n <= s.archiveN; n++ {
		cs, err := decodeArchive(archivePath(s.dir, n))
		if err != nil {
			return nil, fmt.Errorf("fsadapter: decoding archived segment %d: %w", n, err)
		}
		all = append(all, cs...)
	}

	f, err := os.Open(filepath.Join(s.dir, segmentFile))
	if err != nil {
		return nil, err
	}
	cs, err := decodeGobStream(bufio.NewReader(f))
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("fsadapter: decoding commit segment: %w", err)
	}
	all = append(all, cs...)

	out := all[:0]
	for _, c := range all {
		if c.Seq < from {
			continue
		}
		if to > from && c.Seq >= to {
			break
		}
		out = append(out, c)
	}
	return out, nil
}
