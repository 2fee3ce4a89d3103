package dissemination

import (
	"sync/atomic"
	"time"
)

// CoalesceChan folds bursts of Wake calls into a single delivery on C,
// sent at most once per delay.
type CoalesceChan struct {
	C     <-chan time.Time
	c     chan time.Time
	wake  chan time.Time
	buff  chan time.Time
	close chan struct{}
	b     int32
}

func NewCoalesceChan(delay time.Duration) *CoalesceChan {
	ch := make(chan time.Time)
	c := &CoalesceChan{
		C:     ch,
		c:     ch,
		close: make(chan struct{}),
		buff:  make(chan time.Time),
		wake:  make(chan time.Time),
	}

	go func(delay time.Duration) {
		for {
			select {
			case t := <-c.buff:
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-c.close:
						return
					}
				}
				select {
				case c.c <- t:
				case <-c.close:
					return
				}
				atomic.StoreInt32(&c.b, 0)
			case <-c.close:
				return
			}
		}
	}(delay)
	go func() {
		for {
			select {
			case t := <-c.wake:
				if atomic.CompareAndSwapInt32(&c.b, 0, 1) {
					select {
					case c.buff <- t:
					case <-c.close:
						return
					}
				}
			case <-c.close:
				return
			}
		}
	}()
	return c
}

// Wake requests a delivery. It never blocks once the channel is closed.
func (c *CoalesceChan) Wake() {
	select {
	case c.wake <- time.Now():
	case <-c.close:
	}
}

func (c *CoalesceChan) Close() {
	close(c.close)
}
