/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kernel

import (
	"github.com/axiom-os/axiom/internal/abi"
	"github.com/axiom-os/axiom/pkg/syscallerr"
)

// ConsoleSink receives console_write bytes. It is supplied by the
// platform adapter at boot; it is never persisted or replayed, only
// the existence of the write attempt is worth an audit record (that
// record is the gateway's responsibility, not this call's).
type ConsoleSink interface {
	Write(caller abi.ProcessId, p []byte) (int, error)
}

// ConsoleWrite is a bootstrap-only convenience for early diagnostics
// before a real console service exists (spec §9 decision iii). It
// never emits a commit: console output is not reducible kernel state.
func (c *Core) ConsoleWrite(caller abi.ProcessId, sink ConsoleSink, p []byte) error {
	if _, ok := c.Procs.Get(caller); !ok {
		return syscallerr.New("console_write", syscallerr.NotFound)
	}
	if sink == nil {
		return syscallerr.New("console_write", syscallerr.ShuttingDown)
	}
	if _, err := sink.Write(caller, p); err != nil {
		return syscallerr.New("console_write", syscallerr.StorageError)
	}
	return nil
}
