package dissemination

import (
	"context"
	"math"
	"time"

	"github.com/nemosupremo/poolreg/pool"
	"github.com/nemosupremo/poolreg/wire"
	log "github.com/sirupsen/logrus"
)

// Gossip pushes to one random member per round.
type Gossip struct {
	pool     *pool.Pool
	pusher   *Pusher
	interval time.Duration
	adaptive bool
	log      *log.Entry
}

func NewGossip(p *pool.Pool, pusher *Pusher, interval time.Duration, adaptive bool) *Gossip {
	return &Gossip{
		pool:     p,
		pusher:   pusher,
		interval: interval,
		adaptive: adaptive,
		log:      log.WithFields(log.Fields{"pool": p.Name(), "strategy": "gossip"}),
	}
}

func (g *Gossip) Strategy() string { return "gossip" }

// Interval is the time between rounds. When adaptive, it shrinks with the
// log of the pool size.
func (g *Gossip) Interval(size int) time.Duration {
	if !g.adaptive || size < 2 {
		return g.interval
	}
	return time.Duration(float64(g.interval) / math.Log2(float64(size)))
}

func (g *Gossip) Run(ctx context.Context) {
	timer := time.NewTimer(g.Interval(g.pool.Size()))
	defer timer.Stop()

	g.log.Debugf("Starting gossip every %v (adaptive: %v).", g.interval, g.adaptive)
	for {
		select {
		case <-timer.C:
		case <-g.pool.Done():
			return
		case <-ctx.Done():
			return
		}
		g.Round(ctx)
		timer.Reset(g.Interval(g.pool.Size()))
	}
}

func (g *Gossip) Round(ctx context.Context) {
	targets := g.pool.RandomMembers(1, pool.Identity{})
	if len(targets) == 0 {
		return
	}
	g.pusher.Deliver(ctx, g.pool, targets[0], wire.OpPush, g.Strategy())
	g.pool.PurgeHistory()
}
