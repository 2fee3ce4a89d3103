package dispatch

import (
	"context"

	"github.com/nemosupremo/poolreg/pool"
	"github.com/nemosupremo/poolreg/wire"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func (d *Dispatcher) table() map[wire.Opcode]route {
	return map[wire.Opcode]route{
		wire.OpJoin: {
			request: func() wire.Message { return &wire.JoinRequest{} },
			serve: func(ctx context.Context, m wire.Message) (wire.Message, error) {
				return d.registry.Join(ctx, m.(*wire.JoinRequest))
			},
		},
		wire.OpLeave: {
			request: func() wire.Message { return &wire.IdentityMessage{} },
			serve:   d.leave,
		},
		wire.OpElect: {
			request: func() wire.Message { return &wire.ElectRequest{} },
			serve:   d.elect,
		},
		wire.OpSequenceNr: {
			request: func() wire.Message { return &wire.NameRequest{} },
			serve:   d.sequenceNumber,
		},
		wire.OpAddTokens: {
			request: func() wire.Message { return &wire.AddTokensRequest{} },
			serve:   d.addTokens,
		},
		wire.OpGetToken: {
			request: func() wire.Message { return &wire.NameRequest{} },
			serve:   d.getToken,
		},
		wire.OpDead: {
			request: func() wire.Message { return &wire.ReportRequest{} },
			serve:   d.dead,
		},
		wire.OpMaybeDead: {
			request: func() wire.Message { return &wire.ReportRequest{} },
			serve:   d.maybeDead,
		},
		wire.OpSignal: {
			request: func() wire.Message { return &wire.SignalRequest{} },
			serve:   d.signal,
		},
		wire.OpGetState: {
			request: func() wire.Message { return &wire.GetStateRequest{} },
			serve:   d.getState,
		},
		wire.OpHeartbeat: {
			request: func() wire.Message { return &wire.IdentityMessage{} },
			serve:   d.heartbeat,
		},
		wire.OpTerminate: {
			request: func() wire.Message { return &wire.IdentityMessage{} },
			serve:   d.terminate,
		},
	}
}

// ignoreUnknown treats a missing member as already gone; a leave may race
// with a death report for the same member.
func ignoreUnknown(p *pool.Pool, op string, id pool.Identity, err error) error {
	if errors.Is(err, pool.ErrUnknownMember) {
		log.WithFields(log.Fields{"pool": p.Name(), "member": id.ID}).Debugf("Ignoring %s of unknown member.", op)
		return nil
	}
	return err
}

func (d *Dispatcher) leave(ctx context.Context, m wire.Message) (wire.Message, error) {
	req := m.(*wire.IdentityMessage)
	p, err := d.registry.Lookup(req.Identity.Pool)
	if err != nil {
		return nil, err
	}
	return nil, ignoreUnknown(p, "leave", req.Identity, p.Leave(req.Identity))
}

func (d *Dispatcher) elect(ctx context.Context, m wire.Message) (wire.Message, error) {
	req := m.(*wire.ElectRequest)
	p, err := d.registry.Lookup(req.Candidate.Pool)
	if err != nil {
		return nil, err
	}
	winner, err := p.Elect(req.Name, req.Candidate)
	if err != nil {
		return nil, err
	}
	return &wire.IdentityMessage{Identity: winner}, nil
}

func (d *Dispatcher) sequenceNumber(ctx context.Context, m wire.Message) (wire.Message, error) {
	req := m.(*wire.NameRequest)
	p, err := d.registry.Lookup(req.Identity.Pool)
	if err != nil {
		return nil, err
	}
	n, err := p.SequenceNumber(req.Name)
	if err != nil {
		return nil, err
	}
	return &wire.Int64Reply{Value: n}, nil
}

func (d *Dispatcher) addTokens(ctx context.Context, m wire.Message) (wire.Message, error) {
	req := m.(*wire.AddTokensRequest)
	p, err := d.registry.Lookup(req.Identity.Pool)
	if err != nil {
		return nil, err
	}
	return nil, p.AddTokens(req.Name, req.Count)
}

func (d *Dispatcher) getToken(ctx context.Context, m wire.Message) (wire.Message, error) {
	req := m.(*wire.NameRequest)
	p, err := d.registry.Lookup(req.Identity.Pool)
	if err != nil {
		return nil, err
	}
	granted, err := p.TakeToken(req.Name)
	if err != nil {
		return nil, err
	}
	return &wire.TokenReply{Granted: granted}, nil
}

func (d *Dispatcher) dead(ctx context.Context, m wire.Message) (wire.Message, error) {
	req := m.(*wire.ReportRequest)
	p, err := d.registry.Lookup(req.Subject.Pool)
	if err != nil {
		return nil, err
	}
	reporter := req.Reporter
	err = p.Dead(req.Subject, &reporter, "reported by "+reporter.String())
	return nil, ignoreUnknown(p, "death report", req.Subject, err)
}

func (d *Dispatcher) maybeDead(ctx context.Context, m wire.Message) (wire.Message, error) {
	req := m.(*wire.ReportRequest)
	p, err := d.registry.Lookup(req.Subject.Pool)
	if err != nil {
		return nil, err
	}
	return nil, ignoreUnknown(p, "suspicion", req.Subject, p.MaybeDead(req.Subject))
}

func (d *Dispatcher) signal(ctx context.Context, m wire.Message) (wire.Message, error) {
	req := m.(*wire.SignalRequest)
	p, err := d.registry.Lookup(req.Source.Pool)
	if err != nil {
		return nil, err
	}
	source := req.Source
	return nil, p.Signal(req.Description, &source, req.Targets)
}

func (d *Dispatcher) getState(ctx context.Context, m wire.Message) (wire.Message, error) {
	req := m.(*wire.GetStateRequest)
	p, err := d.registry.Lookup(req.Identity.Pool)
	if err != nil {
		return nil, err
	}
	return &wire.StateReply{State: p.State(req.JoinTime)}, nil
}

func (d *Dispatcher) heartbeat(ctx context.Context, m wire.Message) (wire.Message, error) {
	req := m.(*wire.IdentityMessage)
	p, err := d.registry.Lookup(req.Identity.Pool)
	if err != nil {
		return nil, err
	}
	return nil, p.Heartbeat(req.Identity)
}

func (d *Dispatcher) terminate(ctx context.Context, m wire.Message) (wire.Message, error) {
	req := m.(*wire.IdentityMessage)
	p, err := d.registry.Lookup(req.Identity.Pool)
	if err != nil {
		return nil, err
	}
	source := req.Identity
	return nil, p.Terminate(&source)
}
