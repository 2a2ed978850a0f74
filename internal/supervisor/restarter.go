/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package supervisor

import (
	"time"

	"github.com/axiom-os/axiom/internal/supervisor/config"
)

// restarter enforces a per-service restart-rate window and, for
// WithBackoff services, an escalating sleep before the next start
// attempt. Technique grounded on a process supervisor's restarter: a
// fixed-size ring of the last N restart timestamps, oldest compared
// against the window (shift/shouldSleep), generalized here from a
// single fixed cooldown to {initial, max, factor} geometric backoff.
type restarter struct {
	policy   config.RestartPolicy
	maxInWin int
	window   time.Duration
	backoff  config.Backoff

	rs       []time.Time // ring of the last maxInWin restart times
	attempts int         // consecutive restart attempts, for backoff escalation
}

func newRestarter(sc config.ServiceConfig) *restarter {
	n := sc.MaxRestartsInWindow
	if n <= 0 {
		n = 1
	}
	return &restarter{
		policy:   sc.RestartPolicy,
		maxInWin: n,
		window:   sc.WindowDuration,
		backoff:  sc.Backoff,
		rs:       make([]time.Time, n),
	}
}

// errRateLimited signals the window has been exceeded: the service is
// disabled rather than restarted again (spec §4.8 "exceeding the limit
// disables the service").
var errRateLimited = restartErr("restart rate limit exceeded")

type restartErr string

func (e restartErr) Error() string { return string(e) }

// beforeRestart reports how long to sleep before the next start
// attempt, or errRateLimited if the service has exceeded its window.
// Call exactly once per restart attempt, in order.
func (r *restarter) beforeRestart() (time.Duration, error) {
	if d := r.rateLimitSleep(); d < 0 {
		return 0, errRateLimited
	}
	r.shift()

	if r.policy != config.WithBackoff {
		r.attempts = 0
		return 0, nil
	}
	d := r.backoffDelay()
	r.attempts++
	return d, nil
}

// rateLimitSleep returns -1 once the oldest of the last maxInWin
// restarts falls inside window, meaning the service has restarted too
// many times too quickly.
func (r *restarter) rateLimitSleep() time.Duration {
	oldest := r.rs[len(r.rs)-1]
	if oldest.IsZero() {
		return 0
	}
	if time.Since(oldest) < r.window {
		return -1
	}
	return 0
}

func (r *restarter) shift() {
	for i := len(r.rs) - 1; i > 0; i-- {
		r.rs[i] = r.rs[i-1]
	}
	r.rs[0] = time.Now()
}

func (r *restarter) backoffDelay() time.Duration {
	d := r.backoff.Initial
	for i := 0; i < r.attempts; i++ {
		d = time.Duration(float64(d) * r.backoff.Factor)
		if d >= r.backoff.Max {
			return r.backoff.Max
		}
	}
	return d
}

// reset clears the attempt counter once a service has stayed up long
// enough to no longer count as a flapping restart.
func (r *restarter) reset() {
	r.attempts = 0
}
