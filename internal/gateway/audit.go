/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package gateway implements the sole syscall entry point: identity
// verification, dual-log emission, and fail-closed denial (spec §4.6).
package gateway

import (
	"hash/fnv"
	"sync"

	"github.com/axiom-os/axiom/internal/abi"
)

// RequestSeq correlates an audit request record with its response
// record; it is unrelated to commit.CommitSeq.
type RequestSeq uint64

// AuditRequest is appended before the kernel core is invoked.
type AuditRequest struct {
	RequestSeq RequestSeq
	Caller     abi.ProcessId
	Syscall    abi.Syscall
	ArgsDigest uint64
	At         abi.Nanos
}

// AuditResponse is appended after the syscall has fully resolved,
// whichever way it resolved (spec §4.6 step 5).
type AuditResponse struct {
	RequestSeq RequestSeq
	Result     string // result discriminant: "ok", "storage_error", or an error kind's name, e.g. "NoCap", "WouldBlock"
	CommitFrom abi.CommitSeq
	CommitTo   abi.CommitSeq // exclusive; equal to CommitFrom when no commit was produced
	At         abi.Nanos
}

// AuditLog is the discardable, append-only record of every syscall
// attempt and its resolution. Unlike the commit log it carries no
// authority over state: losing it loses forensic history, not
// correctness (spec §4.6 invariants).
type AuditLog struct {
	mtx       sync.Mutex
	requests  []AuditRequest
	responses []AuditResponse
	next      RequestSeq
}

func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func (a *AuditLog) Request(caller abi.ProcessId, sys abi.Syscall, argsDigest uint64, at abi.Nanos) RequestSeq {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	seq := a.next
	a.next++
	a.requests = append(a.requests, AuditRequest{RequestSeq: seq, Caller: caller, Syscall: sys, ArgsDigest: argsDigest, At: at})
	return seq
}

func (a *AuditLog) Respond(seq RequestSeq, result string, from, to abi.CommitSeq, at abi.Nanos) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.responses = append(a.responses, AuditResponse{RequestSeq: seq, Result: result, CommitFrom: from, CommitTo: to, At: at})
}

func (a *AuditLog) Requests() []AuditRequest {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	out := make([]AuditRequest, len(a.requests))
	copy(out, a.requests)
	return out
}

func (a *AuditLog) Responses() []AuditResponse {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	out := make([]AuditResponse, len(a.responses))
	copy(out, a.responses)
	return out
}

// DigestArgs hashes a syscall's argument bytes for the audit record;
// the audit log never stores raw argument payloads, only a digest, so
// it cannot itself leak message contents (spec §4.6 step 2).
func DigestArgs(parts ...[]byte) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum64()
}
