package daemon

import (
	"fmt"
	"net"
	"path/filepath"
	"time"
)

// Lifecycle owns the files that mark a running daemon in its base directory.
type Lifecycle struct {
	lockFile   *LockFile
	pidFile    *PIDFile
	socketPath string
}

func NewLifecycle(baseDir, socketPath string) *Lifecycle {
	return &Lifecycle{
		lockFile:   NewLockFile(filepath.Join(baseDir, "daemon.lock")),
		pidFile:    NewPIDFile(filepath.Join(baseDir, "daemon.pid")),
		socketPath: socketPath,
	}
}

// Acquire takes the instance lock and records the PID. It fails with
// ErrLockHeld when another daemon is running.
func (lc *Lifecycle) Acquire() error {
	if err := lc.lockFile.Acquire(); err != nil {
		return fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	if err := lc.pidFile.Write(); err != nil {
		lc.lockFile.Release()
		return err
	}
	return nil
}

// Running reports whether a daemon process is alive and answering on its socket.
func (lc *Lifecycle) Running() (pid int, ok bool) {
	pid, err := lc.pidFile.Read()
	if err != nil || pid == 0 || !processExists(pid) {
		return 0, false
	}
	return pid, lc.isSocketResponsive()
}

func (lc *Lifecycle) isSocketResponsive() bool {
	conn, err := net.DialTimeout("unix", lc.socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (lc *Lifecycle) Release() {
	if err := lc.pidFile.Remove(); err != nil {
		log.Warn("removing PID file", "error", err)
	}
	if err := lc.lockFile.Release(); err != nil {
		log.Warn("releasing lock", "error", err)
	}
}

// LockHolder is the PID of the process holding the instance lock, or 0.
func (lc *Lifecycle) LockHolder() int {
	return lc.lockFile.Holder()
}

func (lc *Lifecycle) PIDFile() *PIDFile {
	return lc.pidFile
}
