/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package supervisor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/axiom-os/axiom/internal/abi"
	"github.com/axiom-os/axiom/internal/gateway"
	"github.com/axiom-os/axiom/internal/platform"
	"github.com/axiom-os/axiom/internal/supervisor/config"
	"github.com/axiom-os/axiom/pkg/axiomlog"
)

// DefaultEndpointCapacity bounds the queue every spawn-protocol and
// service endpoint gets unless a service asks for more (spec §6
// "capacity" argument to ep_create/ep_create_for).
const DefaultEndpointCapacity = 64

// defaultQuota is charged to a service with no per-service quota
// field of its own; the launch options spec.md §6 enumerates for Init
// do not include one, so every service gets the same generous cap.
const defaultQuota = 64 << 20

// StopGrace is how long a dependent is given to quiesce after
// PrepareStop before Init terminates it (spec §4.8 "after a grace
// period, is terminated").
var StopGrace = 5 * time.Second

// pollInterval paces Init's own ep_recv polling. Init is an in-process
// privileged client of the same syscall surface as any other
// collaborator, not a platform-adapter-hosted execution context, so it
// has no goroutine park/wake of its own to rely on; it yields the way
// memadapter's cooperative contexts do, via a short sleep between
// non-blocking receives.
var pollInterval = 5 * time.Millisecond

type terminationEvent struct {
	name string
	pid  abi.ProcessId
}

// Supervisor is Init: the privileged PID-0 client that bootstraps,
// spawns, and supervises every configured service (spec §4.8, C8).
type Supervisor struct {
	gw      *gateway.Gateway
	adapter platform.Adapter
	log     *axiomlog.Logger

	reg *registry

	selfSlot     abi.CapSlot
	selfEndpoint abi.EndpointId

	terminations chan terminationEvent
	eg           *errgroup.Group
	cancel       context.CancelFunc
}

// New validates cfg's dependency graph and constructs a Supervisor
// ready to Boot. gw must already be wired around a Core whose genesis
// (or replay) has registered PID 0.
func New(gw *gateway.Gateway, adapter platform.Adapter, log *axiomlog.Logger, cfg config.Config) (*Supervisor, error) {
	reg, err := newRegistry(cfg.Services)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = axiomlog.NewDiscard()
	}
	return &Supervisor{
		gw:           gw,
		adapter:      adapter,
		log:          log,
		reg:          reg,
		terminations: make(chan terminationEvent, 64),
	}, nil
}

// Boot runs the bootstrap sequence (spec §4.8 steps 2-4), spawns every
// configured service in dependency order, then runs the supervision
// loop until ctx is cancelled.
func (s *Supervisor) Boot(ctx context.Context) error {
	// Step 2 (bootstrap capabilities) is a no-op here: ep_create_for,
	// register_process, and kill-any are gated on Init's PID directly
	// (spec §6 rows 16-17, §4.4 "Init may always kill"), not on a held
	// capability, so there is nothing to grant before using them.
	runCtx, cancel := context.WithCancel(ctx)
	eg, runCtx := errgroup.WithContext(runCtx)
	s.eg = eg
	s.cancel = cancel

	// Step 3: Init's own primary receive endpoint.
	epRes, err := s.gw.EpCreate(abi.InitPID, DefaultEndpointCapacity)
	if err != nil {
		return fmt.Errorf("supervisor: create init endpoint: %w", err)
	}
	s.selfSlot = epRes.Slot
	info, err := s.gw.CapInspect(abi.InitPID, s.selfSlot)
	if err != nil {
		return fmt.Errorf("supervisor: inspect init endpoint: %w", err)
	}
	s.selfEndpoint = abi.EndpointId(info.ObjectId)

	// Step 4: the "service-ready announcement" is the endpoint simply
	// existing and being polled from here on; there is no broadcast
	// primitive and no service has registered yet to receive one.
	s.log.Info("init endpoint ready", axiomlog.KV("endpoint", s.selfEndpoint))

	for _, name := range s.reg.launchOrder {
		if _, err := s.spawnService(name); err != nil {
			return fmt.Errorf("supervisor: spawn %s: %w", name, err)
		}
	}

	return s.run(runCtx)
}

// spawnService performs the init-driven spawn protocol for one
// configured service (spec §4.8 step 5, sub-steps b-g; step a is a
// no-op here since launch is driven by configuration, not a forwarded
// SpawnRequest).
func (s *Supervisor) spawnService(name string) (*serviceEntry, error) {
	entry, ok := s.reg.get(name)
	if !ok {
		return nil, fmt.Errorf("supervisor: unknown service %q", name)
	}
	sc := entry.cfg

	// 5b: register_process obtains the child pid.
	spawnRes, err := s.gw.RegisterProcess(abi.InitPID, sc.Name, sc.BinaryRef, defaultQuota)
	if err != nil {
		return nil, fmt.Errorf("register_process: %w", err)
	}
	pid := spawnRes.Pid

	// 5c: the child's own primary endpoint, owned by it, with Init
	// retaining a grant-capable management reference.
	epRes, err := s.gw.EpCreateFor(abi.InitPID, pid, DefaultEndpointCapacity)
	if err != nil {
		return nil, fmt.Errorf("ep_create_for: %w", err)
	}
	info, err := s.gw.CapInspect(abi.InitPID, epRes.InitMgmtSlot)
	if err != nil {
		return nil, fmt.Errorf("cap_inspect(init mgmt slot): %w", err)
	}

	// 5d: attenuated capabilities into endpoints the service depends on,
	// resolved via each dependency's own Init-held management slot.
	for _, depName := range sc.CapabilitiesRequested {
		dep, ok := s.reg.get(depName)
		if !ok || dep.pid == 0 {
			return nil, fmt.Errorf("capability request on unknown or unstarted service %q", depName)
		}
		if _, err := s.gw.CapGrant(abi.InitPID, dep.initMgmtSlot, pid, abi.PermRead|abi.PermWrite); err != nil {
			return nil, fmt.Errorf("cap_grant(%s -> %s): %w", depName, name, err)
		}
	}

	// 5e: instruct the platform adapter to start execution.
	handle, err := s.adapter.Spawn(pid, sc.BinaryRef)
	if err != nil {
		if cerr := s.gw.CompensateSpawnFailure(pid, err.Error()); cerr != nil {
			s.log.Critical("compensating spawn failure also failed", axiomlog.KV("service", name), axiomlog.KVErr(cerr))
		}
		return nil, fmt.Errorf("adapter spawn: %w", err)
	}

	entry.pid = pid
	entry.endpoint = abi.EndpointId(info.ObjectId)
	entry.initMgmtSlot = epRes.InitMgmtSlot
	entry.handle = handle
	entry.stopping = false

	// 5f: await ServiceReady with a startup timeout.
	ready, err := s.awaitServiceReady(pid, sc.StartupTimeout)
	if err != nil {
		_ = s.adapter.Terminate(handle)
		return nil, fmt.Errorf("await service ready: %w", err)
	}
	entry.endpoint = ready.Endpoint

	s.log.Info("service started", axiomlog.KV("name", name), axiomlog.KV("pid", pid), axiomlog.KV("endpoint", entry.endpoint))

	// 5g is the entry mutation above; watch for unsolicited termination.
	s.watch(name, handle)
	return entry, nil
}

// watch fans a spawned service's Handle.Done() into the shared
// terminations channel so the supervision loop learns of unsolicited
// exits without polling every handle itself (spec §4.8 "Init monitors
// child termination").
func (s *Supervisor) watch(name string, h platform.Handle) {
	s.eg.Go(func() error {
		<-h.Done()
		s.terminations <- terminationEvent{name: name, pid: h.Pid()}
		return nil
	})
}

// awaitServiceReady blocks (via poll) until pid sends ServiceReady on
// Init's endpoint, handling any other traffic that arrives first via
// handleMessage, or returns an error once d elapses.
func (s *Supervisor) awaitServiceReady(pid abi.ProcessId, d time.Duration) (ServiceReady, error) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		res, err := s.gw.EpRecv(abi.InitPID, s.selfSlot, nil, false)
		if err != nil {
			time.Sleep(pollInterval)
			continue
		}
		if res.Message.Tag == abi.TagServiceReady && res.Message.Sender == pid {
			var sr ServiceReady
			if err := decode(res.Message.Bytes, &sr); err != nil {
				return ServiceReady{}, err
			}
			return sr, nil
		}
		s.handleMessage(res.Message.Sender, res.Message.Tag, res.Message.Bytes)
	}
	return ServiceReady{}, fmt.Errorf("supervisor: timed out waiting for service ready from pid %d", pid)
}

// run is the steady-state supervision loop: poll Init's endpoint for
// service-discovery traffic, and react to unsolicited child
// termination (spec §4.8 "Supervision").
func (s *Supervisor) run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.terminations:
			s.handleTermination(ev)
		case <-ticker.C:
			res, err := s.gw.EpRecv(abi.InitPID, s.selfSlot, nil, false)
			if err == nil {
				s.handleMessage(res.Message.Sender, res.Message.Tag, res.Message.Bytes)
			}
		}
	}
}

func (s *Supervisor) handleMessage(sender abi.ProcessId, tag uint16, payload []byte) {
	switch tag {
	case abi.TagLookupRequest:
		var req LookupRequest
		if err := decode(payload, &req); err != nil {
			s.log.Warn("malformed lookup request", axiomlog.KVErr(err))
			return
		}
		s.replyLookup(sender, req.Name)
	case abi.TagSpawnRequest:
		var req SpawnRequest
		if err := decode(payload, &req); err != nil {
			s.log.Warn("malformed spawn request", axiomlog.KVErr(err))
			return
		}
		s.handleSpawnRequest(sender, req)
	case abi.TagServiceReady:
		// A late or duplicate readiness announcement outside of
		// awaitServiceReady's window; nothing to do but note it.
		s.log.Debug("unsolicited service ready", axiomlog.KV("pid", sender))
	default:
		s.log.Debug("unhandled init message", axiomlog.KV("tag", tag), axiomlog.KV("sender", sender))
	}
}

// handleSpawnRequest services a forwarded SpawnRequest for an
// already-configured service (spec §4.8 step 5a). A service already
// running is reported back as-is rather than restarted; an unknown
// name is rejected rather than registered on the fly, since the
// launch-order/dependency graph is resolved once at boot (registry.go).
func (s *Supervisor) handleSpawnRequest(sender abi.ProcessId, req SpawnRequest) {
	resp := SpawnResponse{CorrelationID: req.CorrelationID}
	entry, ok := s.reg.get(req.Name)
	switch {
	case !ok:
		resp.Error = "unknown service"
	case entry.pid != 0 && !entry.stopping:
		resp.Accepted = true
		resp.Pid = entry.pid
		resp.Endpoint = entry.endpoint
	default:
		started, err := s.spawnService(req.Name)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Accepted = true
			resp.Pid = started.pid
			resp.Endpoint = started.endpoint
		}
	}
	payload, err := encode(resp)
	if err != nil {
		s.log.Warn("encode spawn response failed", axiomlog.KVErr(err))
		return
	}
	s.sendTo(sender, abi.TagSpawnResponse, payload)
}

func (s *Supervisor) replyLookup(sender abi.ProcessId, name string) {
	resp := LookupResponse{}
	if target, ok := s.reg.get(name); ok && target.pid != 0 && !target.stopping {
		resp = LookupResponse{Found: true, Pid: target.pid, Endpoint: target.endpoint}
	}
	payload, err := encode(resp)
	if err != nil {
		s.log.Warn("encode lookup response failed", axiomlog.KVErr(err))
		return
	}
	s.sendTo(sender, abi.TagLookupResponse, payload)
}

// sendTo delivers payload to whichever service owns pid, via Init's
// management capability recorded when that service was spawned.
func (s *Supervisor) sendTo(pid abi.ProcessId, tag uint16, payload []byte) {
	_, entry, ok := s.reg.byPid(pid)
	if !ok {
		s.log.Warn("sendTo unknown pid", axiomlog.KV("pid", pid))
		return
	}
	if err := s.gw.EpSend(abi.InitPID, entry.initMgmtSlot, tag, payload); err != nil {
		s.log.Warn("sendTo failed", axiomlog.KV("pid", pid), axiomlog.KVErr(err))
	}
}

// handleTermination reacts to a service's Handle becoming Done. A
// deliberate stop (entry.stopping, set by Shutdown or cascadeStop)
// just clears the flag; anything else is an unsolicited exit subject
// to the service's restart policy (spec §4.8 "Supervision"). The four
// policies are distinguished here and in restarter.beforeRestart:
// Never never restarts, OnFailure restarts only on an abnormal exit,
// Always and WithBackoff both always restart but differ in the delay
// beforeRestart applies.
func (s *Supervisor) handleTermination(ev terminationEvent) {
	entry, ok := s.reg.get(ev.name)
	if !ok {
		return
	}

	if entry.stopping {
		s.log.Info("service stopped", axiomlog.KV("name", ev.name))
		entry.stopping = false
		return
	}

	var status platform.ExitStatus
	if entry.handle != nil {
		status = entry.handle.ExitStatus()
	}
	s.log.Warn("service terminated unexpectedly", axiomlog.KV("name", ev.name), axiomlog.KV("policy", string(entry.cfg.RestartPolicy)), axiomlog.KV("normal_exit", status.Normal))

	switch entry.cfg.RestartPolicy {
	case config.Never:
		entry.disabled = true
		return
	case config.OnFailure:
		if status.Normal {
			s.log.Info("service exited normally, on_failure will not restart it", axiomlog.KV("name", ev.name))
			return
		}
	}

	s.cascadeStop(ev.name)

	delay, err := entry.rs.beforeRestart()
	if err != nil {
		s.log.Error("service disabled: restart rate limit exceeded", axiomlog.KV("name", ev.name))
		entry.disabled = true
		return
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if _, err := s.spawnService(ev.name); err != nil {
		s.log.Error("restart failed", axiomlog.KV("name", ev.name), axiomlog.KVErr(err))
		return
	}
	entry.rs.reset()

	for _, depName := range s.reg.dependents[ev.name] {
		if dep, ok := s.reg.get(depName); ok && !dep.disabled {
			if _, err := s.spawnService(depName); err != nil {
				s.log.Error("dependent restart failed", axiomlog.KV("name", depName), axiomlog.KVErr(err))
			}
		}
	}
}

// cascadeStop tells every service depending on name to quiesce, waits
// a grace period, then terminates them (spec §4.8 "Dependency stops
// cascade").
func (s *Supervisor) cascadeStop(name string) {
	deps := s.reg.dependents[name]
	if len(deps) == 0 {
		return
	}
	for _, depName := range deps {
		dep, ok := s.reg.get(depName)
		if !ok || dep.pid == 0 {
			continue
		}
		dep.stopping = true
		payload, _ := encode(PrepareStop{Reason: "dependency " + name + " is down"})
		s.sendTo(dep.pid, abi.TagPrepareStop, payload)
	}
	time.Sleep(StopGrace)
	for _, depName := range deps {
		dep, ok := s.reg.get(depName)
		if !ok || dep.pid == 0 {
			continue
		}
		if err := s.gw.Kill(abi.InitPID, dep.pid); err != nil {
			s.log.Warn("cascade kill failed", axiomlog.KV("name", depName), axiomlog.KVErr(err))
		}
	}
}

// Shutdown stops every running service in reverse launch order, then
// halts the gateway (spec §4.8 "graceful reverse-order shutdown").
func (s *Supervisor) Shutdown() {
	for i := len(s.reg.launchOrder) - 1; i >= 0; i-- {
		name := s.reg.launchOrder[i]
		entry, ok := s.reg.get(name)
		if !ok || entry.pid == 0 {
			continue
		}
		entry.stopping = true
		payload, _ := encode(Stop{Reason: "shutdown"})
		s.sendTo(entry.pid, abi.TagStop, payload)
		if entry.handle != nil {
			_ = s.adapter.Terminate(entry.handle)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.eg != nil {
		_ = s.eg.Wait()
	}
	s.gw.Shutdown()
}
