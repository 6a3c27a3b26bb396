package discovery

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Supervisor implements the pidfile fallback named in spec.md §4.8: when
// no launchd/systemd unit manages the daemon, WritePid/Status/Stop/Cleanup
// track the running process through a pidfile. This is deliberately the only
// supervision mode implemented here; installing an actual launchd user
// agent or systemd user unit is out of scope.
type Supervisor struct {
	PidFile string
}

// NewSupervisor returns a Supervisor tracking the daemon through pidFile.
func NewSupervisor(pidFile string) *Supervisor {
	return &Supervisor{PidFile: pidFile}
}

// Status reports the pid recorded in the pidfile and whether that process
// is alive. pid is 0 when no pidfile exists or it holds no valid pid; a
// stale pid is returned with running false.
func (s *Supervisor) Status() (pid int, running bool, err error) {
	pid, err = s.readPid()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if pid <= 0 {
		return 0, false, nil
	}
	if !processAlive(pid) {
		return pid, false, nil
	}
	return pid, true, nil
}

// WritePid records the current process as the running daemon.
func (s *Supervisor) WritePid() error {
	return os.WriteFile(s.PidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// Stop signals the tracked daemon to terminate and removes the pidfile.
func (s *Supervisor) Stop() error {
	pid, running, err := s.Status()
	if err != nil {
		return err
	}
	if !running {
		_ = os.Remove(s.PidFile)
		return fmt.Errorf("no running daemon tracked in %s", s.PidFile)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return err
	}
	return os.Remove(s.PidFile)
}

// Cleanup removes a stale pidfile whose process is no longer alive.
func (s *Supervisor) Cleanup() error {
	_, running, err := s.Status()
	if err != nil {
		return err
	}
	if !running {
		return os.Remove(s.PidFile)
	}
	return nil
}

func (s *Supervisor) readPid() (int, error) {
	b, err := os.ReadFile(s.PidFile)
	if err != nil {
		return 0, err
	}
	v := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("corrupt pidfile %s: %w", s.PidFile, err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 performs no-op error checking only: ESRCH means the
	// process is gone, EPERM means it exists but is owned by another user.
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
