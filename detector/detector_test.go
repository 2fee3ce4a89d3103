package detector

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nemosupremo/poolreg/client"
	"github.com/nemosupremo/poolreg/pool"
	"github.com/nemosupremo/poolreg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransport() *transport.Client {
	return transport.NewClient(time.Second, time.Second, 0)
}

func startAgent(t *testing.T) *client.Agent {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a := client.NewAgent(l, 0)
	go a.Serve()
	t.Cleanup(func() { a.Close() })
	return a
}

func join(t *testing.T, p *pool.Pool, a *client.Agent) pool.Identity {
	m, err := p.Join(a.Address(), nil, "local", nil)
	require.NoError(t, err)
	a.SetIdentity(m.Identity, m.JoinTime)
	return m.Identity
}

func TestPing(t *testing.T) {
	p := pool.New(pool.Config{Name: "P"})
	a := startAgent(t)
	id := join(t, p, a)

	require.NoError(t, Ping(context.Background(), newTransport(), id))

	other := id
	other.ID = "7"
	assert.Error(t, Ping(context.Background(), newTransport(), other))
}

func TestProbe(t *testing.T) {
	p := pool.New(pool.Config{Name: "P"})
	alive := join(t, p, startAgent(t))
	gone := startAgent(t)
	dead := join(t, p, gone)
	require.NoError(t, gone.Close())

	d := New(p, newTransport())
	assert.True(t, d.Probe(context.Background(), alive))
	assert.False(t, d.Probe(context.Background(), dead))

	assert.Equal(t, 1, p.Size())
	events, err := p.EventsFrom(0)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, pool.Died, last.Type)
	assert.True(t, last.Concerns(dead))
	assert.Contains(t, last.Description, "ping failed")

	// a second report of the same corpse is tolerated
	assert.False(t, d.Probe(context.Background(), dead))
}

func TestRunDetectsSilentMember(t *testing.T) {
	p := pool.New(pool.Config{Name: "P", HeartbeatInterval: 20 * time.Millisecond})
	alive := join(t, p, startAgent(t))
	gone := startAgent(t)
	dead := join(t, p, gone)
	require.NoError(t, gone.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go New(p, newTransport()).Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := p.Member(dead)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	m, ok := p.Member(alive)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), m.LastSeen, time.Second)
}

func TestSuspicionTriggersProbe(t *testing.T) {
	p := pool.New(pool.Config{Name: "P", HeartbeatInterval: time.Hour, MaybeDeadDebounce: time.Nanosecond})
	join(t, p, startAgent(t))
	gone := startAgent(t)
	dead := join(t, p, gone)
	require.NoError(t, gone.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go New(p, newTransport()).Run(ctx)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.MaybeDead(dead))
	require.Eventually(t, func() bool {
		_, ok := p.Member(dead)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunStopsWhenPoolEnds(t *testing.T) {
	p := pool.New(pool.Config{Name: "P"})
	id := join(t, p, startAgent(t))
	done := make(chan struct{})
	go func() {
		New(p, newTransport()).Run(context.Background())
		close(done)
	}()
	require.NoError(t, p.Leave(id))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("detector did not stop after the pool ended")
	}
}
