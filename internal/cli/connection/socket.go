package connection

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// DefaultTimeout bounds one socket exchange.
const DefaultTimeout = 10 * time.Second

// Response is one reply of the control socket.
type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RemoteError is a command the run rejected.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// SocketClient sends commands to a run's control socket. Each call to
// Execute uses its own connection.
type SocketClient struct {
	path    string
	timeout time.Duration
}

// NewSocketClient creates a client for the socket at path. A zero timeout
// means DefaultTimeout.
func NewSocketClient(path string, timeout time.Duration) *SocketClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SocketClient{path: path, timeout: timeout}
}

// Path returns the socket path.
func (c *SocketClient) Path() string { return c.path }

// Execute sends cmd and decodes the result into target, which may be nil.
func (c *SocketClient) Execute(ctx context.Context, cmd string, target any) error {
	if c.path == "" {
		return errors.New("no control socket configured (use --socket or SIMCTL_SOCKET)")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.path, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("send %q: %w", cmd, err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("parse reply: %w", err)
	}
	if !resp.OK {
		return &RemoteError{Command: strings.Fields(cmd)[0], Message: resp.Error}
	}
	if target != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, target); err != nil {
			return fmt.Errorf("parse result: %w", err)
		}
	}
	return nil
}
