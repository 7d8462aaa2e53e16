package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// acquirePIDFile implements spec.md §6's single-PID-file-per-user
// contract: a second instance must refuse to start. A stale file left
// behind by a process that died without cleaning up (kill -9, crash) is
// detected by probing the recorded pid with signal 0 and reclaimed
// rather than treated as a live daemon.
func acquirePIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 {
			if processAlive(pid) {
				return fmt.Errorf("server: another engramd instance is already running (pid %d, pidfile %s)", pid, path)
			}
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// processAlive sends the null signal to pid, which succeeds iff the
// process exists and is signalable by this user - the standard
// liveness probe for a PID file, used instead of e.g. flock so the
// pidfile's own presence still doubles as the status-check surface
// spec.md §6 names.
func processAlive(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}
