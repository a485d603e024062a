package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

const DefaultCallTimeout = 30 * time.Second

// Client is a JSON-RPC connection to a running daemon.
type Client struct {
	conn    *jsonrpc2.Conn
	timeout time.Duration
}

// Dial connects to the daemon socket. Calls made through the client time
// out after timeout, or DefaultCallTimeout when it is zero.
func Dial(ctx context.Context, socketPath string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	netConn, err := NewSocketConnector(socketPath, timeout).Connect()
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}

	stream := jsonrpc2.NewBufferedStream(netConn, jsonrpc2.VSCodeObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, &clientHandler{})
	return &Client{conn: conn, timeout: timeout}, nil
}

// the daemon never calls back
type clientHandler struct{}

func (h *clientHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
}

func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.conn.Call(callCtx, method, params, result); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
