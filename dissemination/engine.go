package dissemination

import (
	"context"
	"time"

	"github.com/nemosupremo/poolreg/pool"
)

const (
	DefaultPushInterval   = time.Second
	DefaultGossipInterval = 500 * time.Millisecond
	DefaultWorkers        = 10

	// Tree and gossip pools also run a central pass this many times slower
	// than their own interval.
	SafetyNetFactor = 4

	coalesceDelay = 10 * time.Millisecond
)

// Engine runs until ctx is done or its pool ends.
type Engine interface {
	Run(ctx context.Context)
	Strategy() string
}

type Options struct {
	Workers int
}

// Engines returns the schedulers for p's dissemination mode.
func Engines(p *pool.Pool, pusher *Pusher, opts Options) []Engine {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	config := p.Config()
	interval := config.PushInterval
	if interval <= 0 {
		interval = DefaultPushInterval
	}

	switch config.Mode {
	case pool.Tree:
		return []Engine{
			NewTree(p, pusher, interval, config.WakeOnEvent),
			NewCentral(p, pusher, opts.Workers, interval*SafetyNetFactor, false),
		}
	case pool.Gossip:
		gossip := config.GossipInterval
		if gossip <= 0 {
			gossip = DefaultGossipInterval
		}
		return []Engine{
			NewGossip(p, pusher, gossip, config.AdaptiveGossip),
			NewCentral(p, pusher, opts.Workers, interval*SafetyNetFactor, false),
		}
	default:
		return []Engine{NewCentral(p, pusher, opts.Workers, interval, config.WakeOnEvent)}
	}
}

// watchChanges wakes c on every event appended to p. It subscribes before
// returning so no event after the call is missed.
func watchChanges(ctx context.Context, p *pool.Pool, c *CoalesceChan) {
	ch := p.Changed()
	go func() {
		for {
			select {
			case <-ch:
				c.Wake()
				ch = p.Changed()
			case <-p.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}
