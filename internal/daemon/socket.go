package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

type SocketListener struct {
	path     string
	listener net.Listener
}

func NewSocketListener(socketPath string) *SocketListener {
	return &SocketListener{
		path: socketPath,
	}
}

// Start replaces a stale socket file and listens with owner-only access.
func (sl *SocketListener) Start() error {
	if err := os.MkdirAll(filepath.Dir(sl.path), 0o700); err != nil {
		return err
	}
	if err := os.Remove(sl.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	listener, err := net.Listen("unix", sl.path)
	if err != nil {
		return err
	}
	sl.listener = listener
	return os.Chmod(sl.path, 0o700)
}

func (sl *SocketListener) Accept() (net.Conn, error) {
	if sl.listener == nil {
		return nil, fmt.Errorf("listener not started")
	}
	return sl.listener.Accept()
}

func (sl *SocketListener) Close() error {
	if sl.listener == nil {
		return nil
	}
	return sl.listener.Close()
}

// Remove deletes the socket file. A missing file is not an error.
func (sl *SocketListener) Remove() {
	if err := os.Remove(sl.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("removing socket", "path", sl.path, "error", err)
	}
}

type SocketConnector struct {
	path    string
	timeout time.Duration
}

func NewSocketConnector(socketPath string, timeout time.Duration) *SocketConnector {
	return &SocketConnector{
		path:    socketPath,
		timeout: timeout,
	}
}

func (sc *SocketConnector) Connect() (net.Conn, error) {
	if sc.timeout > 0 {
		return net.DialTimeout("unix", sc.path, sc.timeout)
	}
	return net.Dial("unix", sc.path)
}
