package dissemination

import (
	"context"
	"sync"
	"time"

	"github.com/nemosupremo/poolreg/pool"
	"github.com/nemosupremo/poolreg/telemetry"
	"github.com/nemosupremo/poolreg/wire"
	log "github.com/sirupsen/logrus"
)

// Central pushes to every member that is behind, from a bounded set of
// workers, once per cycle.
type Central struct {
	pool        *pool.Pool
	pusher      *Pusher
	workers     int
	interval    time.Duration
	wakeOnEvent bool
	log         *log.Entry
}

func NewCentral(p *pool.Pool, pusher *Pusher, workers int, interval time.Duration, wakeOnEvent bool) *Central {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Central{
		pool:        p,
		pusher:      pusher,
		workers:     workers,
		interval:    interval,
		wakeOnEvent: wakeOnEvent,
		log:         log.WithFields(log.Fields{"pool": p.Name(), "strategy": "central"}),
	}
}

func (c *Central) Strategy() string { return "central" }

func (c *Central) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var wake <-chan time.Time
	if c.wakeOnEvent {
		ch := NewCoalesceChan(coalesceDelay)
		defer ch.Close()
		watchChanges(ctx, c.pool, ch)
		wake = ch.C
	}

	c.log.Debugf("Starting central push every %v.", c.interval)
	defer c.log.Debug("Central push stopped.")
	for {
		urgent := c.pool.Urgent()
		c.Cycle(ctx)
		select {
		case <-ticker.C:
		case <-wake:
		case <-urgent:
			c.log.Debug("Urgent push after a member died.")
		case <-c.pool.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Cycle pushes once to every member whose acknowledged time is behind the
// pool, blocks until all pushes finish and then compacts the history.
func (c *Central) Cycle(ctx context.Context) {
	now := c.pool.CurrentTime()
	var behind []pool.Identity
	for _, m := range c.pool.Members() {
		if m.AckTime < now {
			behind = append(behind, m.Identity)
		}
	}
	if len(behind) > 0 {
		start := time.Now()
		queue := make(chan pool.Identity, len(behind))
		for _, id := range behind {
			queue <- id
		}
		close(queue)

		workers := c.workers
		if workers > len(behind) {
			workers = len(behind)
		}
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for id := range queue {
					if ctx.Err() != nil {
						return
					}
					c.pusher.Deliver(ctx, c.pool, id, wire.OpPush, c.Strategy())
				}
			}()
		}
		wg.Wait()
		telemetry.PushCycleDuration.WithLabelValues(c.Strategy()).Observe(time.Since(start).Seconds())
		c.log.Tracef("Pushed to %d members in %v.", len(behind), time.Since(start))
	}
	c.pool.PurgeHistory()
}
