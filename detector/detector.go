// Package detector finds pool members that stopped answering.
package detector

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

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultMaxProbes         = 4
)

// Detector probes the least recently seen member of a pool once it has
// been silent for a heartbeat interval.
type Detector struct {
	pool      *pool.Pool
	transport *transport.Client
	interval  time.Duration
	probes    chan struct{}
	log       *log.Entry
}

func New(p *pool.Pool, t *transport.Client) *Detector {
	interval := p.Config().HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Detector{
		pool:      p,
		transport: t,
		interval:  interval,
		probes:    make(chan struct{}, DefaultMaxProbes),
		log:       log.WithFields(log.Fields{"pool": p.Name()}),
	}
}

// Run loops until ctx is done or the pool ends.
func (d *Detector) Run(ctx context.Context) {
	d.log.Debugf("Starting failure detector, heartbeat interval %v.", d.interval)
	defer d.log.Debug("Failure detector stopped.")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
		case <-d.pool.Suspicions():
		case <-d.pool.Done():
			return
		case <-ctx.Done():
			return
		}

		wait := d.sweep(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// sweep starts a probe for every member that is due and returns how long
// until the next one will be.
func (d *Detector) sweep(ctx context.Context) time.Duration {
	for {
		m, wait, ok := d.pool.NextSuspect(d.interval)
		if !ok {
			return wait
		}
		select {
		case d.probes <- struct{}{}:
		case <-ctx.Done():
			return d.interval
		}
		go func(id pool.Identity) {
			defer func() { <-d.probes }()
			d.Probe(ctx, id)
		}(m.Identity)
	}
}

// Probe pings id and reports it dead when it does not answer as itself.
func (d *Detector) Probe(ctx context.Context, id pool.Identity) bool {
	err := Ping(ctx, d.transport, id)
	telemetry.PingsTotal.WithLabelValues(telemetry.Result(err)).Inc()
	if err == nil {
		if err := d.pool.Heartbeat(id); err != nil && !errors.Is(err, pool.ErrUnknownMember) {
			d.log.Warnf("Failed to record heartbeat of %v: %v", id, err)
		}
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	d.log.Warnf("Ping of %v at %v failed: %v", id, id.Addr(), err)
	if err := d.pool.Dead(id, nil, "ping failed: "+err.Error()); err != nil && !errors.Is(err, pool.ErrUnknownMember) {
		d.log.Warnf("Failed to report %v dead: %v", id, err)
	}
	return false
}

// Ping asks the member at id's address who it is.
func Ping(ctx context.Context, t *transport.Client, id pool.Identity) error {
	var reply wire.IdentityMessage
	if err := t.Call(ctx, id.Addr(), wire.OpPing, nil, &reply); err != nil {
		return err
	}
	if !reply.Identity.Equal(id) {
		return errors.Errorf("expected %v, %v answered", id, reply.Identity)
	}
	return nil
}
