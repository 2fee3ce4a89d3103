// Package client talks to a registry server on behalf of a pool member.
package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nemosupremo/poolreg/pool"
	"github.com/nemosupremo/poolreg/transport"
	"github.com/nemosupremo/poolreg/wire"
	log "github.com/sirupsen/logrus"
)

// Client issues one request per connection to the server at Addr.
type Client struct {
	Addr      string
	Transport *transport.Client

	// JoinTimeout bounds the retries of a join whose connection fails.
	JoinTimeout time.Duration
}

func New(addr string, t *transport.Client) *Client {
	if t == nil {
		t = transport.NewClient(0, 0, 0)
	}
	return &Client{Addr: addr, Transport: t, JoinTimeout: 30 * time.Second}
}

func (c *Client) call(ctx context.Context, op wire.Opcode, req, reply wire.Message) error {
	return c.Transport.Call(ctx, c.Addr, op, req, reply)
}

// Join retries while the server cannot be reached. Rejections from the
// server are returned at once.
func (c *Client) Join(ctx context.Context, req wire.JoinRequest) (*wire.JoinReply, error) {
	var reply wire.JoinReply
	operation := func() error {
		err := c.call(ctx, wire.OpJoin, &req, &reply)
		if _, ok := err.(*transport.Error); !ok {
			err = backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.JoinTimeout
	notify := func(err error, wait time.Duration) {
		log.Debugf("Join of pool %s failed, retrying in %v: %v", req.Pool, wait, err)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Leave(ctx context.Context, id pool.Identity) error {
	return c.call(ctx, wire.OpLeave, &wire.IdentityMessage{Identity: id}, nil)
}

func (c *Client) Elect(ctx context.Context, candidate pool.Identity, name string) (pool.Identity, error) {
	var reply wire.IdentityMessage
	err := c.call(ctx, wire.OpElect, &wire.ElectRequest{Candidate: candidate, Name: name}, &reply)
	return reply.Identity, err
}

func (c *Client) SequenceNumber(ctx context.Context, id pool.Identity, name string) (int64, error) {
	var reply wire.Int64Reply
	err := c.call(ctx, wire.OpSequenceNr, &wire.NameRequest{Identity: id, Name: name}, &reply)
	return reply.Value, err
}

func (c *Client) AddTokens(ctx context.Context, id pool.Identity, name string, count int64) error {
	return c.call(ctx, wire.OpAddTokens, &wire.AddTokensRequest{Identity: id, Name: name, Count: count}, nil)
}

func (c *Client) GetToken(ctx context.Context, id pool.Identity, name string) (bool, error) {
	var reply wire.TokenReply
	err := c.call(ctx, wire.OpGetToken, &wire.NameRequest{Identity: id, Name: name}, &reply)
	return reply.Granted, err
}

func (c *Client) Dead(ctx context.Context, reporter, corpse pool.Identity) error {
	return c.call(ctx, wire.OpDead, &wire.ReportRequest{Reporter: reporter, Subject: corpse}, nil)
}

func (c *Client) MaybeDead(ctx context.Context, reporter, suspect pool.Identity) error {
	return c.call(ctx, wire.OpMaybeDead, &wire.ReportRequest{Reporter: reporter, Subject: suspect}, nil)
}

func (c *Client) Signal(ctx context.Context, source pool.Identity, description string, targets []pool.Identity) error {
	return c.call(ctx, wire.OpSignal, &wire.SignalRequest{Source: source, Description: description, Targets: targets}, nil)
}

func (c *Client) GetState(ctx context.Context, id pool.Identity, joinTime int64) (pool.Snapshot, error) {
	var reply wire.StateReply
	err := c.call(ctx, wire.OpGetState, &wire.GetStateRequest{Identity: id, JoinTime: joinTime}, &reply)
	return reply.State, err
}

func (c *Client) Heartbeat(ctx context.Context, id pool.Identity) error {
	return c.call(ctx, wire.OpHeartbeat, &wire.IdentityMessage{Identity: id}, nil)
}

func (c *Client) Terminate(ctx context.Context, source pool.Identity) error {
	return c.call(ctx, wire.OpTerminate, &wire.IdentityMessage{Identity: source}, nil)
}
