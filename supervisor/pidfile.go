package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/501336North/oss-supervisor/state"
)

// processAlive probes a PID with signal 0. Overridable in tests.
var processAlive = func(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// acquirePIDFile enforces single-instance operation. A PID file naming a
// live process aborts with Conflict; a stale file is removed silently.
func acquirePIDFile(path string) error {
	raw, err := os.ReadFile(path)
	if err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(raw))); perr == nil && pid > 0 && processAlive(pid) {
			return fmt.Errorf("%w: another supervisor instance is running (pid %d)", state.ErrConflict, pid)
		}
		// Stale or unparsable: clean it up and continue.
		_ = os.Remove(path)
	}

	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// releasePIDFile removes the PID file; a missing file is fine.
func releasePIDFile(path string) {
	_ = os.Remove(path)
}
