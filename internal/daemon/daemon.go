// Package daemon hosts a JSON-RPC handler on a unix socket and guards the
// single running instance with a lock file and a PID file.
package daemon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/bgiplan/layerd/internal/logger"
)

var log = logger.ForComponent("daemon")

type Daemon struct {
	socketPath   string
	listener     *SocketListener
	handler      jsonrpc2.Handler
	connections  map[*jsonrpc2.Conn]struct{}
	connMu       sync.Mutex
	wg           sync.WaitGroup
	shutdown     chan struct{}
	shutdownOnce sync.Once
	startTime    time.Time
}

func New(socketPath string, handler jsonrpc2.Handler) *Daemon {
	return &Daemon{
		socketPath:  socketPath,
		listener:    NewSocketListener(socketPath),
		handler:     handler,
		connections: make(map[*jsonrpc2.Conn]struct{}),
		shutdown:    make(chan struct{}),
		startTime:   time.Now(),
	}
}

// Start listens on the socket and serves connections in the background
// until Shutdown or ctx is done.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.listener.Start(); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.socketPath, err)
	}
	log.Info("daemon listening", "socket", d.socketPath)

	d.wg.Add(1)
	go d.acceptConnections(ctx)

	go func() {
		select {
		case <-ctx.Done():
			d.Shutdown()
		case <-d.shutdown:
		}
	}()
	return nil
}

func (d *Daemon) acceptConnections(ctx context.Context) {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.shutdown:
				return
			default:
				log.Warn("accept failed", "error", err)
				continue
			}
		}
		d.serve(ctx, conn)
	}
}

func (d *Daemon) serve(ctx context.Context, conn net.Conn) {
	stream := jsonrpc2.NewBufferedStream(conn, jsonrpc2.VSCodeObjectCodec{})
	rpcConn := jsonrpc2.NewConn(ctx, stream, d.handler)

	d.connMu.Lock()
	d.connections[rpcConn] = struct{}{}
	n := len(d.connections)
	d.connMu.Unlock()
	log.Debug("client connected", "connections", n)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-rpcConn.DisconnectNotify()
		d.connMu.Lock()
		delete(d.connections, rpcConn)
		d.connMu.Unlock()
		log.Debug("client disconnected")
	}()
}

// Shutdown stops accepting, closes open connections and removes the socket.
// It is safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdown)
		if err := d.listener.Close(); err != nil {
			log.Warn("closing listener", "error", err)
		}

		d.connMu.Lock()
		for conn := range d.connections {
			conn.Close()
		}
		d.connMu.Unlock()

		d.wg.Wait()
		d.listener.Remove()
		log.Info("daemon stopped", "uptime", d.Uptime().Round(time.Second))
	})
}

// Done is closed once Shutdown has begun.
func (d *Daemon) Done() <-chan struct{} {
	return d.shutdown
}

func (d *Daemon) SocketPath() string {
	return d.socketPath
}

func (d *Daemon) Uptime() time.Duration {
	return time.Since(d.startTime)
}

func (d *Daemon) Connections() int {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	return len(d.connections)
}
