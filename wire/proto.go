// Package wire implements the one-request-per-connection protocol spoken
// between members and the registry server.
package wire

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Magic starts every request.
const Magic byte = 0x5A

type Opcode byte

const (
	OpJoin Opcode = iota + 1
	OpLeave
	OpElect
	OpSequenceNr
	OpDead
	OpMaybeDead
	OpSignal
	OpGetState
	OpHeartbeat
	OpTerminate
	OpAddTokens
	OpGetToken
	OpPing
	OpPush
	OpBroadcast
)

var opcodeNames = map[Opcode]string{
	OpJoin:       "join",
	OpLeave:      "leave",
	OpElect:      "elect",
	OpSequenceNr: "sequence_nr",
	OpDead:       "dead",
	OpMaybeDead:  "maybe_dead",
	OpSignal:     "signal",
	OpGetState:   "get_state",
	OpHeartbeat:  "heartbeat",
	OpTerminate:  "terminate",
	OpAddTokens:  "add_tokens",
	OpGetToken:   "get_token",
	OpPing:       "ping",
	OpPush:       "push",
	OpBroadcast:  "broadcast",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("opcode(%d)", byte(o))
}

const (
	StatusOK    byte = 1
	StatusError byte = 2
)

var (
	ErrBadMagic      = errors.New("wire: bad magic byte")
	ErrUnknownOpcode = errors.New("wire: unknown opcode")
	ErrBadStatus     = errors.New("wire: bad status byte")
)

// RemoteError is an ERROR reply from the other side.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Message is a typed request or reply body.
type Message interface {
	Encode(*Encoder)
	Decode(*Decoder)
}

// Conn frames messages over a single connection.
type Conn struct {
	conn net.Conn
	enc  *Encoder
	dec  *Decoder
}

func NewConn(c net.Conn, maxFrameSize int) *Conn {
	return &Conn{
		conn: c,
		enc:  NewEncoder(c),
		dec:  NewDecoder(c, maxFrameSize),
	}
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// WriteRequest sends the header followed by req, which may be nil.
func (c *Conn) WriteRequest(op Opcode, req Message) error {
	c.enc.PutUint8(Magic)
	c.enc.PutUint8(byte(op))
	if req != nil {
		req.Encode(c.enc)
	}
	return c.enc.Flush()
}

// ReadHeader reads the magic byte and opcode of a request.
func (c *Conn) ReadHeader() (Opcode, error) {
	magic := c.dec.Uint8()
	op := Opcode(c.dec.Uint8())
	if err := c.dec.Err(); err != nil {
		return 0, err
	}
	if magic != Magic {
		return 0, ErrBadMagic
	}
	return op, nil
}

// WriteReply sends an OK status and reply, or an ERROR status carrying err.
func (c *Conn) WriteReply(err error, reply Message) error {
	if err != nil {
		c.enc.PutUint8(StatusError)
		c.enc.PutText(err.Error())
		return c.enc.Flush()
	}
	c.enc.PutUint8(StatusOK)
	if reply != nil {
		reply.Encode(c.enc)
	}
	return c.enc.Flush()
}

// ReadReply reads a status and, on OK, decodes into reply. An ERROR status
// is returned as a *RemoteError.
func (c *Conn) ReadReply(reply Message) error {
	status := c.dec.Uint8()
	if err := c.dec.Err(); err != nil {
		return err
	}
	switch status {
	case StatusOK:
	case StatusError:
		msg := c.dec.Text()
		if err := c.dec.Err(); err != nil {
			return err
		}
		return &RemoteError{Message: msg}
	default:
		return ErrBadStatus
	}
	if reply != nil {
		return c.Receive(reply)
	}
	return nil
}

// Receive decodes a bare message with no status byte.
func (c *Conn) Receive(m Message) error {
	m.Decode(c.dec)
	return c.dec.Err()
}

// Send encodes a bare message with no status byte and flushes it.
func (c *Conn) Send(m Message) error {
	m.Encode(c.enc)
	return c.enc.Flush()
}
