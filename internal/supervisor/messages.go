/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package supervisor implements Init, the privileged PID-0 process:
// bootstrap sequencing, the init-driven spawn protocol, service
// discovery, and restart supervision (spec §4.8). It is the one
// userspace client of the syscall surface allowed to call the two
// Init-only syscalls (ep_create_for, register_process).
package supervisor

import (
	"bytes"
	"encoding/gob"

	"github.com/google/uuid"

	"github.com/axiom-os/axiom/internal/abi"
)

// Wire messages exchanged between Init and services, identified by the
// ep_send/ep_recv tag (spec §6 lifecycle tag range 0x1000-0x1FFF). The
// kernel never inspects these payloads; encoding is a concern private
// to Init and its collaborators. gob is used here for the same reason
// internal/platform/fsadapter uses it for commit records: no
// structured serialization library appears anywhere in the retrieval
// pack, only compression libraries, so the stdlib encoder is the only
// reasonably grounded choice for encoding Go structs to bytes.

// ServiceReady is sent by a freshly spawned service back to Init once
// it has created its own endpoint and is ready to receive requests
// (spec §4.8 step 5f).
type ServiceReady struct {
	Endpoint abi.EndpointId
}

// LookupRequest asks Init to resolve a service name to its pid and
// endpoint (spec §4.8 "Service discovery").
type LookupRequest struct {
	Name string
}

// LookupResponse answers a LookupRequest. Found is false when no
// service by that name is registered (spec's "NotFound").
type LookupResponse struct {
	Found    bool
	Pid      abi.ProcessId
	Endpoint abi.EndpointId
}

// SpawnRequest asks Init to start an already-configured service that
// has not yet launched — the "forwarded by a client such as a desktop
// shell" half of the init-driven spawn protocol (spec §4.8 step 5a).
// CorrelationID lets the sender match SpawnResponse to its request
// without relying on message ordering.
type SpawnRequest struct {
	CorrelationID uuid.UUID
	Name          string
}

// SpawnResponse answers a SpawnRequest: either the service's pid and
// endpoint, or a reason it could not be started.
type SpawnResponse struct {
	CorrelationID uuid.UUID
	Accepted      bool
	Pid           abi.ProcessId
	Endpoint      abi.EndpointId
	Error         string
}

// PrepareStop tells a service that a dependency has gone down and it
// should begin quiescing; once the grace period elapses Init kills it
// (spec §4.8 "Dependency stops cascade").
type PrepareStop struct {
	Reason string
}

type Stop struct {
	Reason string
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(p []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(p)).Decode(v)
}
