/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package supervisor

import (
	"errors"
	"sync"

	"github.com/axiom-os/axiom/internal/abi"
	"github.com/axiom-os/axiom/internal/platform"
	"github.com/axiom-os/axiom/internal/supervisor/config"
)

var (
	ErrUnknownDependency = errors.New("supervisor: service depends on an unknown service")
	ErrDependencyCycle   = errors.New("supervisor: service dependency graph has a cycle")
)

// serviceEntry is Init's in-memory record of one supervised service
// (spec §4.8 step 5g "record {name, pid, endpoint}").
type serviceEntry struct {
	cfg config.ServiceConfig

	pid          abi.ProcessId
	endpoint     abi.EndpointId
	initMgmtSlot abi.CapSlot // slot in Init's own CSpace referencing this service's endpoint, full perms
	handle       platform.Handle

	rs *restarter

	stopping bool // PrepareStop or Stop sent; the next termination is not restarted
	disabled bool // restart rate limit exceeded; will not be restarted
}

// registry holds every configured service plus the launch order
// resolved from DependsOn, and the reverse (dependents) edge used by
// the stop cascade.
type registry struct {
	mtx        sync.Mutex
	byName     map[string]*serviceEntry
	launchOrder []string
	dependents map[string][]string // name -> services that depend on it
}

func newRegistry(services []config.ServiceConfig) (*registry, error) {
	r := &registry{
		byName:     make(map[string]*serviceEntry, len(services)),
		dependents: make(map[string][]string),
	}
	for _, sc := range services {
		r.byName[sc.Name] = &serviceEntry{cfg: sc, rs: newRestarter(sc)}
	}
	for _, sc := range services {
		for _, dep := range sc.DependsOn {
			if _, ok := r.byName[dep]; !ok {
				return nil, ErrUnknownDependency
			}
			r.dependents[dep] = append(r.dependents[dep], sc.Name)
		}
	}
	order, err := topoSort(services)
	if err != nil {
		return nil, err
	}
	r.launchOrder = order
	return r, nil
}

// topoSort resolves a launch order where every service appears after
// everything it DependsOn, using Kahn's algorithm; a remaining
// in-degree after convergence means a cycle (spec §4.8 "configured
// launch order").
func topoSort(services []config.ServiceConfig) ([]string, error) {
	indeg := make(map[string]int, len(services))
	edges := make(map[string][]string) // dep -> []dependent
	for _, sc := range services {
		if _, ok := indeg[sc.Name]; !ok {
			indeg[sc.Name] = 0
		}
		for _, dep := range sc.DependsOn {
			indeg[sc.Name]++
			edges[dep] = append(edges[dep], sc.Name)
		}
	}
	var queue, order []string
	for _, sc := range services {
		if indeg[sc.Name] == 0 {
			queue = append(queue, sc.Name)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, dependent := range edges[n] {
			indeg[dependent]--
			if indeg[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if len(order) != len(services) {
		return nil, ErrDependencyCycle
	}
	return order, nil
}

func (r *registry) get(name string) (*serviceEntry, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	e, ok := r.byName[name]
	return e, ok
}

func (r *registry) byPid(pid abi.ProcessId) (string, *serviceEntry, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for name, e := range r.byName {
		if e.pid == pid {
			return name, e, true
		}
	}
	return "", nil, false
}
