package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/nemosupremo/poolreg/pool"
	"github.com/nemosupremo/poolreg/wire"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrNotJoined = errors.New("agent has not joined a pool")

// Agent is the member side of a pool: it answers pings and applies pushed
// events, in order, to a local view of the pool.
type Agent struct {
	listener     net.Listener
	maxFrameSize int

	mu           sync.Mutex
	identity     pool.Identity
	joined       bool
	bootstrapped bool
	next         int64
	members      pool.Identities
	elections    map[string]pool.Identity
	signals      []pool.Event
	history      []pool.Event
	closed       bool
	terminated   bool
	applied      chan struct{}

	wg      sync.WaitGroup
	quit    chan struct{}
	hasQuit int32
	log     *log.Entry
}

func NewAgent(l net.Listener, maxFrameSize int) *Agent {
	return &Agent{
		listener:     l,
		maxFrameSize: maxFrameSize,
		elections:    make(map[string]pool.Identity),
		applied:      make(chan struct{}),
		quit:         make(chan struct{}),
		log:          log.WithFields(log.Fields{"agent": l.Addr().String()}),
	}
}

// Address is what the agent announces when joining.
func (a *Agent) Address() []byte {
	return []byte(a.listener.Addr().String())
}

// Join joins a pool through c, announcing this agent's address.
func (a *Agent) Join(ctx context.Context, c *Client, req wire.JoinRequest) (*wire.JoinReply, error) {
	req.Address = a.Address()
	reply, err := c.Join(ctx, req)
	if err != nil {
		return nil, err
	}
	a.SetIdentity(reply.Identity, reply.JoinTime)
	return reply, nil
}

// SetIdentity records the identity assigned by the server. Events before
// joinTime are never needed. A push that raced ahead of the join reply may
// already have moved the agent past joinTime.
func (a *Agent) SetIdentity(id pool.Identity, joinTime int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identity = id
	a.joined = true
	if joinTime > a.next {
		a.next = joinTime
	}
}

func (a *Agent) Identity() pool.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

// Serve accepts connections until Close is called.
func (a *Agent) Serve() error {
	a.wg.Add(1)
	defer a.wg.Done()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return nil
			default:
			}
			return err
		}
		a.wg.Add(1)
		go func(c net.Conn) {
			defer a.wg.Done()
			a.handle(wire.NewConn(c, a.maxFrameSize))
		}(conn)
	}
}

func (a *Agent) Close() error {
	var err error
	if atomic.CompareAndSwapInt32(&a.hasQuit, 0, 1) {
		close(a.quit)
		err = a.listener.Close()
	}
	a.wg.Wait()
	return err
}

func (a *Agent) handle(conn *wire.Conn) {
	defer conn.Close()
	op, err := conn.ReadHeader()
	if err != nil {
		a.log.Debugf("Bad request from %v: %v", conn.RemoteAddr(), err)
		return
	}
	switch op {
	case wire.OpPing:
		id := a.Identity()
		if id.IsZero() {
			conn.WriteReply(ErrNotJoined, nil)
			return
		}
		conn.WriteReply(nil, &wire.IdentityMessage{Identity: id})
	case wire.OpPush, wire.OpBroadcast:
		if err := a.receivePush(conn); err != nil {
			a.log.Warnf("Push failed: %v", err)
		}
	default:
		conn.WriteReply(errors.Wrapf(wire.ErrUnknownOpcode, "%v", op), nil)
	}
}

func (a *Agent) receivePush(conn *wire.Conn) error {
	var target wire.IdentityMessage
	if err := conn.Receive(&target); err != nil {
		return err
	}
	a.mu.Lock()
	if !a.joined {
		// The server registers a member before its join reply arrives, so the
		// first push can come first. Take the identity and ask for a snapshot.
		a.identity = target.Identity
		a.joined = true
	} else if !a.identity.Equal(target.Identity) {
		a.mu.Unlock()
		return errors.Errorf("push addressed to %v", target.Identity)
	}
	hello := wire.PushHello{Bootstrap: !a.bootstrapped, AckTime: a.next}
	a.mu.Unlock()

	if err := conn.Send(&hello); err != nil {
		return err
	}
	var content wire.PushContent
	if err := conn.Receive(&content); err != nil {
		return err
	}
	err := a.apply(content)
	if werr := conn.WriteReply(err, nil); werr != nil && err == nil {
		err = werr
	}
	return err
}

func (a *Agent) apply(content wire.PushContent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s := content.State; s != nil {
		a.members = append(pool.Identities(nil), s.Members...)
		a.elections = make(map[string]pool.Identity, len(s.Elections))
		for _, e := range s.Elections {
			a.elections[e.Name] = e.Winner
		}
		a.closed = s.Closed
		a.terminated = s.Terminated
		for _, e := range s.Events {
			if e.Type == pool.Signal && a.concerns(e) && !a.haveSignal(e.Time) {
				a.signals = append(a.signals, e)
			}
			if e.Time >= a.next {
				a.history = append(a.history, e)
			}
		}
		if s.Time > a.next {
			a.next = s.Time
		}
		a.bootstrapped = true
	}

	for _, e := range content.Events {
		if e.Time < a.next {
			continue
		}
		if e.Time > a.next {
			return fmt.Errorf("missing events %d to %d", a.next, e.Time-1)
		}
		a.applyEvent(e)
		a.history = append(a.history, e)
		a.next = e.Time + 1
	}
	close(a.applied)
	a.applied = make(chan struct{})
	return nil
}

func (a *Agent) concerns(e pool.Event) bool {
	return e.Concerns(a.identity)
}

func (a *Agent) haveSignal(t int64) bool {
	for _, s := range a.signals {
		if s.Time == t {
			return true
		}
	}
	return false
}

func (a *Agent) applyEvent(e pool.Event) {
	switch e.Type {
	case pool.Join:
		for _, s := range e.Subjects {
			if !a.members.Contains(s) {
				a.members = append(a.members, s)
			}
		}
	case pool.Leave, pool.Died:
		for _, s := range e.Subjects {
			a.removeMember(s)
		}
	case pool.Elect:
		if len(e.Subjects) > 0 {
			a.elections[e.Description] = e.Subjects[0]
		}
	case pool.UnElect:
		delete(a.elections, e.Description)
	case pool.Signal:
		if a.concerns(e) {
			a.signals = append(a.signals, e)
		}
	case pool.PoolClosed:
		a.closed = true
	case pool.PoolTerminated:
		a.closed = true
		a.terminated = true
	}
}

func (a *Agent) removeMember(id pool.Identity) {
	for i, m := range a.members {
		if m.Equal(id) {
			a.members = append(a.members[:i], a.members[i+1:]...)
			return
		}
	}
}

// NextTime is the time of the first event the agent has not applied.
func (a *Agent) NextTime() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

func (a *Agent) Members() []pool.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]pool.Identity(nil), a.members...)
}

func (a *Agent) Winner(name string) (pool.Identity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.elections[name]
	return w, ok
}

// Signals returns the SIGNAL events addressed to this agent.
func (a *Agent) Signals() []pool.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]pool.Event(nil), a.signals...)
}

// History returns the events received since the agent joined, in order.
func (a *Agent) History() []pool.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]pool.Event(nil), a.history...)
}

func (a *Agent) IsClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Agent) HasTerminated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminated
}

// WaitForTime blocks until every event before t has been applied.
func (a *Agent) WaitForTime(ctx context.Context, t int64) error {
	for {
		a.mu.Lock()
		reached, ch := a.next >= t, a.applied
		a.mu.Unlock()
		if reached {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
