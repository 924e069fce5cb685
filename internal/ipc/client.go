package ipc

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
)

// Client is one session with the daemon. Calls are serialized; the server
// answers them in order.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	mu   sync.Mutex
}

// Dial opens a session on socketPath.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon: %w", err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Call sends msg and returns the daemon's answer. Messages the daemon does
// not answer are sent without waiting and return nil.
func (c *Client) Call(msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeMessage(c.conn, msg); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if !msg.ExpectsResponse() {
		return nil, nil
	}
	return c.read()
}

func (c *Client) read() (*jsonrpc.Message, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	resp, err := jsonrpc.Decode(line)
	if err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}

// Close ends the session.
func (c *Client) Close() error {
	return c.conn.Close()
}
