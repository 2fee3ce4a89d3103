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

// Tree broadcasts to the first tier of the binomial tree, the members at
// ranks 1, 2, 4, 8 and so on. Members further down are reached by the
// slower central pass that runs alongside it.
type Tree struct {
	pool        *pool.Pool
	pusher      *Pusher
	interval    time.Duration
	wakeOnEvent bool
	log         *log.Entry
}

func NewTree(p *pool.Pool, pusher *Pusher, interval time.Duration, wakeOnEvent bool) *Tree {
	return &Tree{
		pool:        p,
		pusher:      pusher,
		interval:    interval,
		wakeOnEvent: wakeOnEvent,
		log:         log.WithFields(log.Fields{"pool": p.Name(), "strategy": "tree"}),
	}
}

func (t *Tree) Strategy() string { return "tree" }

func (t *Tree) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var wake <-chan time.Time
	if t.wakeOnEvent {
		ch := NewCoalesceChan(coalesceDelay)
		defer ch.Close()
		watchChanges(ctx, t.pool, ch)
		wake = ch.C
	}

	t.log.Debugf("Starting tree broadcast every %v.", t.interval)
	for {
		urgent := t.pool.Urgent()
		t.Cycle(ctx)
		select {
		case <-ticker.C:
		case <-wake:
		case <-urgent:
		case <-t.pool.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tree) Cycle(ctx context.Context) {
	children := t.pool.RootChildren()
	if len(children) == 0 {
		return
	}
	start := time.Now()
	var wg sync.WaitGroup
	for _, m := range children {
		wg.Add(1)
		go func(id pool.Identity) {
			defer wg.Done()
			t.pusher.Deliver(ctx, t.pool, id, wire.OpBroadcast, t.Strategy())
		}(m.Identity)
	}
	wg.Wait()
	telemetry.PushCycleDuration.WithLabelValues(t.Strategy()).Observe(time.Since(start).Seconds())
	t.pool.PurgeHistory()
}
