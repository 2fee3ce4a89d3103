// Package transport opens the connections used for pushes, pings and
// member requests.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nemosupremo/poolreg/wire"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Dialer connects to a member or server address.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Error is a connect, timeout or I/O failure talking to a remote address.
type Error struct {
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Cause() error { return e.Err }
func (e *Error) Unwrap() error { return e.Err }

// Client opens one framed connection per request with bounded timeouts.
type Client struct {
	Dialer         Dialer
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxFrameSize   int
}

func NewClient(connectTimeout, requestTimeout time.Duration, maxFrameSize int) *Client {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Client{
		Dialer:         &net.Dialer{Timeout: connectTimeout, KeepAlive: -1},
		ConnectTimeout: connectTimeout,
		RequestTimeout: requestTimeout,
		MaxFrameSize:   maxFrameSize,
	}
}

// Open dials addr and returns a connection whose deadline covers the whole
// request.
func (c *Client) Open(ctx context.Context, addr string) (*wire.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()
	nc, err := c.Dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: "dial", Addr: addr, Err: err}
	}
	deadline := time.Now().Add(c.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := nc.SetDeadline(deadline); err != nil {
		nc.Close()
		return nil, &Error{Op: "deadline", Addr: addr, Err: err}
	}
	return wire.NewConn(nc, c.MaxFrameSize), nil
}

// Call performs a complete request: header and body out, status and reply
// back. reply may be nil for opcodes without reply fields.
func (c *Client) Call(ctx context.Context, addr string, op wire.Opcode, req, reply wire.Message) error {
	conn, err := c.Open(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.WriteRequest(op, req); err != nil {
		return &Error{Op: op.String(), Addr: addr, Err: err}
	}
	if err := conn.ReadReply(reply); err != nil {
		if _, ok := err.(*wire.RemoteError); ok {
			return err
		}
		return &Error{Op: op.String(), Addr: addr, Err: err}
	}
	return nil
}
