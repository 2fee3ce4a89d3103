package dispatch

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nemosupremo/poolreg/client"
	"github.com/nemosupremo/poolreg/pool"
	"github.com/nemosupremo/poolreg/transport"
	"github.com/nemosupremo/poolreg/wire"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoPool = errors.New("pool not found")

type registry struct {
	mu    sync.Mutex
	pools map[string]*pool.Pool
}

func (r *registry) Join(ctx context.Context, req *wire.JoinRequest) (*wire.JoinReply, error) {
	r.mu.Lock()
	p, ok := r.pools[req.Pool]
	if !ok {
		p = pool.New(req.Config())
		r.pools[req.Pool] = p
	}
	r.mu.Unlock()
	m, err := p.Join(req.Address, req.ImplData, req.Location, req.Tag)
	if err != nil {
		return nil, err
	}
	return &wire.JoinReply{Identity: m.Identity, JoinTime: m.JoinTime, MinTime: m.AckTime}, nil
}

func (r *registry) Lookup(name string) (*pool.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[name]; ok {
		return p, nil
	}
	return nil, errNoPool
}

func serve(t *testing.T, opts Options) (*registry, string) {
	r := &registry{pools: make(map[string]*pool.Pool)}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(r, opts).Serve(ctx, l)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, l.Addr().String()
}

func newClient(addr string, timeout time.Duration) *client.Client {
	return client.New(addr, transport.NewClient(timeout, timeout, 0))
}

func joinN(t *testing.T, c *client.Client, req wire.JoinRequest, n int) []pool.Identity {
	var ids []pool.Identity
	for i := 0; i < n; i++ {
		req.Address = []byte("127.0.0.1:1")
		reply, err := c.Join(context.Background(), req)
		require.NoError(t, err)
		ids = append(ids, reply.Identity)
	}
	return ids
}

func TestElection(t *testing.T) {
	_, addr := serve(t, Options{})
	c := newClient(addr, time.Second)
	ctx := context.Background()

	ids := joinN(t, c, wire.JoinRequest{Pool: "P"}, 3)
	assert.Equal(t, []string{"0", "1", "2"}, []string{ids[0].ID, ids[1].ID, ids[2].ID})

	w, err := c.Elect(ctx, ids[0], "leader")
	require.NoError(t, err)
	assert.True(t, w.Equal(ids[0]))
	w, err = c.Elect(ctx, ids[1], "leader")
	require.NoError(t, err)
	assert.True(t, w.Equal(ids[0]))

	require.NoError(t, c.Dead(ctx, ids[2], ids[0]))
	w, err = c.Elect(ctx, ids[2], "leader")
	require.NoError(t, err)
	assert.True(t, w.Equal(ids[2]))

	outsider := pool.Identity{Pool: "P", ID: "42"}
	_, err = c.Elect(ctx, outsider, "other")
	assert.IsType(t, &wire.RemoteError{}, err)
}

func TestClosedWorldJoin(t *testing.T) {
	_, addr := serve(t, Options{})
	c := newClient(addr, time.Second)

	joinN(t, c, wire.JoinRequest{Pool: "P", ClosedWorld: true, FixedSize: 2}, 2)
	_, err := c.Join(context.Background(), wire.JoinRequest{Pool: "P", Address: []byte("127.0.0.1:1")})
	require.Error(t, err)
	assert.Equal(t, pool.ErrPoolClosed.Error(), err.Error())
}

func TestLeaveIsIdempotent(t *testing.T) {
	r, addr := serve(t, Options{})
	c := newClient(addr, time.Second)
	ctx := context.Background()

	ids := joinN(t, c, wire.JoinRequest{Pool: "P"}, 2)
	require.NoError(t, c.Dead(ctx, ids[1], ids[0]))
	require.NoError(t, c.Leave(ctx, ids[0]))
	require.NoError(t, c.Leave(ctx, ids[0]))
	require.NoError(t, c.MaybeDead(ctx, ids[1], ids[0]))

	p, err := r.Lookup("P")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Size())

	// heartbeats from a member that is gone are refused
	assert.Error(t, c.Heartbeat(ctx, ids[0]))
	assert.NoError(t, c.Heartbeat(ctx, ids[1]))
}

func TestCountersAndTokens(t *testing.T) {
	_, addr := serve(t, Options{})
	c := newClient(addr, time.Second)
	ctx := context.Background()
	id := joinN(t, c, wire.JoinRequest{Pool: "P"}, 1)[0]

	for want := int64(0); want < 3; want++ {
		n, err := c.SequenceNumber(ctx, id, "seq")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	ok, err := c.GetToken(ctx, id, "slots")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, c.AddTokens(ctx, id, "slots", 1))
	ok, err = c.GetToken(ctx, id, "slots")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.GetToken(ctx, id, "slots")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignalStateAndTerminate(t *testing.T) {
	_, addr := serve(t, Options{})
	c := newClient(addr, time.Second)
	ctx := context.Background()
	ids := joinN(t, c, wire.JoinRequest{Pool: "P"}, 2)

	gone := pool.Identity{Pool: "P", ID: "9"}
	require.NoError(t, c.Signal(ctx, ids[0], "checkpoint", []pool.Identity{ids[1], gone}))
	require.NoError(t, c.Terminate(ctx, ids[0]))

	state, err := c.GetState(ctx, ids[1], 0)
	require.NoError(t, err)
	assert.True(t, state.Terminated)
	assert.True(t, state.Closed)
	assert.Len(t, state.Members, 2)
	require.Len(t, state.Events, 4)
	signal := state.Events[2]
	assert.Equal(t, pool.Signal, signal.Type)
	assert.Equal(t, "checkpoint", signal.Description)
	assert.Equal(t, []pool.Identity{ids[1]}, signal.Subjects)
	require.NotNil(t, signal.Source)
	assert.True(t, signal.Source.Equal(ids[0]))
	assert.Equal(t, pool.PoolTerminated, state.Events[3].Type)

	assert.Error(t, c.Signal(ctx, ids[0], "late", nil))
	require.NoError(t, c.Leave(ctx, ids[1]))
}

func TestUnknownPool(t *testing.T) {
	_, addr := serve(t, Options{})
	c := newClient(addr, time.Second)
	err := c.Leave(context.Background(), pool.Identity{Pool: "nope", ID: "0"})
	require.Error(t, err)
	assert.Equal(t, errNoPool.Error(), err.Error())
}

func TestUnknownOpcode(t *testing.T) {
	_, addr := serve(t, Options{})
	tc := transport.NewClient(time.Second, time.Second, 0)
	err := tc.Call(context.Background(), addr, wire.OpPing, nil, nil)
	require.Error(t, err)
	assert.IsType(t, &wire.RemoteError{}, err)
	assert.Contains(t, err.Error(), "unknown opcode")
}

func TestHandlerLimitBlocksAccept(t *testing.T) {
	_, addr := serve(t, Options{MaxHandlers: 1, RequestTimeout: 5 * time.Second})

	// occupies the only handler until closed
	idle, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	c := newClient(addr, 200*time.Millisecond)
	id := pool.Identity{Pool: "P", ID: "0"}
	assert.Error(t, c.Heartbeat(context.Background(), id))

	require.NoError(t, idle.Close())
	c = newClient(addr, time.Second)
	err = c.Heartbeat(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, errNoPool.Error(), err.Error())
}
