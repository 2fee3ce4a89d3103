// Package dissemination delivers a pool's events to its members.
package dissemination

import (
	"context"
	"time"

	"github.com/nemosupremo/poolreg/pool"
	"github.com/nemosupremo/poolreg/telemetry"
	"github.com/nemosupremo/poolreg/transport"
	"github.com/nemosupremo/poolreg/wire"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Pusher runs the push exchange against single members.
type Pusher struct {
	Transport *transport.Client
}

func NewPusher(t *transport.Client) *Pusher {
	return &Pusher{Transport: t}
}

// Push delivers every event target has not yet acknowledged, preceded by a
// snapshot when the member asks for one or its history was compacted away.
// The member's acknowledged time only moves after it confirms the delivery.
func (p *Pusher) Push(ctx context.Context, pl *pool.Pool, target pool.Identity, op wire.Opcode) error {
	conn, err := p.Transport.Open(ctx, target.Addr())
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteRequest(op, &wire.IdentityMessage{Identity: target}); err != nil {
		return &transport.Error{Op: op.String(), Addr: target.Addr(), Err: err}
	}
	var hello wire.PushHello
	if err := conn.Receive(&hello); err != nil {
		return &transport.Error{Op: op.String(), Addr: target.Addr(), Err: err}
	}

	state, events, minTime, err := pl.PushContent(target, hello.AckTime, hello.Bootstrap)
	if err != nil {
		return err
	}
	content := wire.PushContent{State: state, Events: events, MinTime: minTime}
	if err := conn.Send(&content); err != nil {
		return &transport.Error{Op: op.String(), Addr: target.Addr(), Err: err}
	}
	if err := conn.ReadReply(nil); err != nil {
		if _, ok := err.(*wire.RemoteError); ok {
			return errors.Wrapf(err, "%s rejected push", target)
		}
		return &transport.Error{Op: op.String(), Addr: target.Addr(), Err: err}
	}
	return pl.Acknowledge(target, content.End(hello.AckTime))
}

// Deliver pushes to target and reports it dead when the push fails. A
// member that left in the meantime is not an error.
func (p *Pusher) Deliver(ctx context.Context, pl *pool.Pool, target pool.Identity, op wire.Opcode, strategy string) bool {
	start := time.Now()
	err := p.Push(ctx, pl, target, op)
	telemetry.PushesTotal.WithLabelValues(strategy, telemetry.Result(err)).Inc()
	if err == nil {
		log.WithFields(log.Fields{"pool": pl.Name(), "member": target.ID}).Tracef("Pushed in %v", time.Since(start))
		return true
	}
	if errors.Is(err, pool.ErrUnknownMember) {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	logger := log.WithFields(log.Fields{"pool": pl.Name(), "member": target.ID, "strategy": strategy})
	logger.Warnf("Push to %v failed: %v", target.Addr(), err)
	if err := pl.Dead(target, nil, "push failed: "+err.Error()); err != nil && !errors.Is(err, pool.ErrUnknownMember) {
		logger.Warnf("Failed to report member dead: %v", err)
	}
	return false
}
