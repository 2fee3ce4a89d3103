package poolreg

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
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

func newServer(t *testing.T) (*Server, *client.Client) {
	s, err := NewServer(ServerConfig{
		Listen:         "127.0.0.1:0",
		RequestTimeout: 2 * time.Second,
		ConnectTimeout: time.Second,
		PoolGrace:      time.Minute,
		ReapInterval:   time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, s.Bind())
	go s.Run()
	t.Cleanup(s.Shutdown)

	c := client.New(s.ListenAddr(), transport.NewClient(time.Second, 2*time.Second, 0))
	return s, c
}

func newAgent(t *testing.T) *client.Agent {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a := client.NewAgent(l, 0)
	go a.Serve()
	t.Cleanup(func() { a.Close() })
	return a
}

func joinAgents(t *testing.T, c *client.Client, req wire.JoinRequest, n int) ([]*client.Agent, []*wire.JoinReply) {
	agents := make([]*client.Agent, n)
	replies := make([]*wire.JoinReply, n)
	for i := range agents {
		agents[i] = newAgent(t)
		reply, err := agents[i].Join(context.Background(), c, req)
		require.NoError(t, err)
		replies[i] = reply
	}
	return agents, replies
}

func TestJoinAndElect(t *testing.T) {
	_, c := newServer(t)
	ctx := context.Background()

	agents, replies := joinAgents(t, c, wire.JoinRequest{Pool: "P", Location: "rack1"}, 3)
	for i, r := range replies {
		assert.Equal(t, int64(i), r.JoinTime)
		assert.Equal(t, agents[i].Identity(), r.Identity)
	}

	w, err := c.Elect(ctx, agents[0].Identity(), "leader")
	require.NoError(t, err)
	assert.True(t, w.Equal(agents[0].Identity()))
	w, err = c.Elect(ctx, agents[1].Identity(), "leader")
	require.NoError(t, err)
	assert.True(t, w.Equal(agents[0].Identity()))

	// the event log reaches every member
	for _, a := range agents {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		require.NoError(t, a.WaitForTime(wctx, 4))
		cancel()
		leader, ok := a.Winner("leader")
		require.True(t, ok)
		assert.True(t, leader.Equal(agents[0].Identity()))
	}
}

func waitFor(t *testing.T, a *client.Agent, until int64) []pool.Event {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.WaitForTime(ctx, until))
	return a.History()
}

func TestClosedWorldPool(t *testing.T) {
	_, c := newServer(t)

	agents, _ := joinAgents(t, c, wire.JoinRequest{Pool: "P", ClosedWorld: true, FixedSize: 2}, 2)

	history := waitFor(t, agents[0], 3)
	require.Len(t, history, 3)
	assert.Equal(t, pool.PoolClosed, history[2].Type)
	assert.Equal(t, int64(2), history[2].Time)
	assert.True(t, agents[0].IsClosed())

	_, err := newAgent(t).Join(context.Background(), c, wire.JoinRequest{Pool: "P", ClosedWorld: true, FixedSize: 2})
	require.Error(t, err)
	assert.Equal(t, pool.ErrPoolClosed.Error(), err.Error())
}

func TestDeadReleasesElection(t *testing.T) {
	_, c := newServer(t)
	ctx := context.Background()

	agents, _ := joinAgents(t, c, wire.JoinRequest{Pool: "P"}, 3)
	m0, m1, m2 := agents[0].Identity(), agents[1].Identity(), agents[2].Identity()

	w, err := c.Elect(ctx, m1, "leader")
	require.NoError(t, err)
	require.True(t, w.Equal(m1))

	require.NoError(t, c.Dead(ctx, m0, m1))
	history := waitFor(t, agents[0], 6)
	require.Len(t, history, 6)
	died, unelect := history[4], history[5]
	assert.Equal(t, pool.Died, died.Type)
	assert.True(t, died.Concerns(m1))
	assert.Equal(t, pool.UnElect, unelect.Type)
	assert.Equal(t, "leader", unelect.Description)
	_, ok := agents[0].Winner("leader")
	assert.False(t, ok)

	w, err = c.Elect(ctx, m2, "leader")
	require.NoError(t, err)
	assert.True(t, w.Equal(m2))
}

func TestCompactedHistory(t *testing.T) {
	s, c := newServer(t)
	ctx := context.Background()

	req := wire.JoinRequest{Pool: "P", PushInterval: 20 * time.Millisecond, WakeOnEvent: true}
	agents, _ := joinAgents(t, c, req, 3)
	for i := 0; i < 8; i++ {
		require.NoError(t, c.Signal(ctx, agents[0].Identity(), "tick", []pool.Identity{agents[1].Identity()}))
	}

	p, err := s.Lookup("P")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.MinTime() == 11 }, 5*time.Second, 10*time.Millisecond)

	_, err = p.EventsFrom(5)
	assert.Equal(t, pool.ErrHistoryUnavailable, errors.Cause(err))

	state, err := c.GetState(ctx, agents[2].Identity(), 0)
	require.NoError(t, err)
	assert.True(t, state.MinTime >= 10)
	for _, e := range state.Events {
		assert.True(t, e.Time >= 10, "event %v", e)
	}
	assert.Len(t, agents[1].Signals(), 8)
}

func TestDeliveryConverges(t *testing.T) {
	tests := []struct {
		name string
		req  wire.JoinRequest
	}{
		{"central", wire.JoinRequest{Pool: "P", PushInterval: 20 * time.Millisecond}},
		{"tree", wire.JoinRequest{Pool: "P", Tree: true, PushInterval: 20 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, c := newServer(t)
			agents, _ := joinAgents(t, c, tt.req, 5)
			p, err := s.Lookup("P")
			require.NoError(t, err)

			// several cycles, including the safety net pass of tree pools
			time.Sleep(200 * time.Millisecond)
			require.Eventually(t, func() bool {
				now := p.CurrentTime()
				for _, m := range p.Members() {
					if m.AckTime != now {
						return false
					}
				}
				return true
			}, 5*time.Second, 10*time.Millisecond)

			stats := p.Stats()
			assert.Equal(t, 5, stats.Size)
			assert.Zero(t, stats.Events[pool.Died.String()])
			assert.Equal(t, int64(5), stats.CurrentTime)
			for i, a := range agents {
				assert.Equal(t, int64(5), a.NextTime(), "agent %d", i)
				assert.Len(t, a.Members(), 5, "agent %d", i)
			}
		})
	}
}

func TestJoinChecksCompatibility(t *testing.T) {
	_, c := newServer(t)

	joinAgents(t, c, wire.JoinRequest{Pool: "P", ImplVersion: "v1"}, 1)
	_, err := newAgent(t).Join(context.Background(), c, wire.JoinRequest{Pool: "P", ImplVersion: "v2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), pool.ErrImplementationMismatch.Error())
}

func TestPeerBootstrap(t *testing.T) {
	_, c := newServer(t)

	agents, replies := joinAgents(t, c, wire.JoinRequest{Pool: "P", PeerBootstrap: true}, 3)
	assert.Empty(t, replies[0].Bootstrap)
	require.Len(t, replies[2].Bootstrap, 2)
	for _, id := range replies[2].Bootstrap {
		assert.False(t, id.Equal(agents[2].Identity()))
	}
}

func TestReapEndedPool(t *testing.T) {
	s, c := newServer(t)
	ctx := context.Background()

	agents, _ := joinAgents(t, c, wire.JoinRequest{Pool: "P"}, 1)
	require.NoError(t, c.Leave(ctx, agents[0].Identity()))

	p, err := s.Lookup("P")
	require.NoError(t, err)
	require.True(t, p.HasEnded())

	assert.Empty(t, s.reap(p.EndedAt()))
	assert.Equal(t, []string{"P"}, s.reap(p.EndedAt().Add(time.Minute)))
	_, err = s.Lookup("P")
	assert.Equal(t, ErrPoolNotFound, errors.Cause(err))

	err = c.Heartbeat(ctx, agents[0].Identity())
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrPoolNotFound.Error())
}

func TestEndedPoolIsReplaced(t *testing.T) {
	s, c := newServer(t)
	ctx := context.Background()

	agents, _ := joinAgents(t, c, wire.JoinRequest{Pool: "P"}, 1)
	require.NoError(t, c.Leave(ctx, agents[0].Identity()))
	old, err := s.Lookup("P")
	require.NoError(t, err)

	_, replies := joinAgents(t, c, wire.JoinRequest{Pool: "P"}, 1)
	assert.Equal(t, int64(0), replies[0].JoinTime)
	assert.Equal(t, "1", replies[0].Identity.ID)
	p, err := s.Lookup("P")
	require.NoError(t, err)
	assert.NotSame(t, old, p)
	assert.Equal(t, 1, p.Size())
}

func TestStaleIdentityAfterReplacement(t *testing.T) {
	s, c := newServer(t)
	ctx := context.Background()

	agents, _ := joinAgents(t, c, wire.JoinRequest{Pool: "P"}, 1)
	stale := agents[0].Identity()
	require.NoError(t, c.Leave(ctx, stale))

	fresh, _ := joinAgents(t, c, wire.JoinRequest{Pool: "P"}, 1)
	assert.False(t, fresh[0].Identity().Equal(stale))

	require.NoError(t, c.Leave(ctx, stale))
	require.NoError(t, c.Dead(ctx, fresh[0].Identity(), stale))
	err := c.Heartbeat(ctx, stale)
	require.Error(t, err)
	assert.Contains(t, err.Error(), pool.ErrUnknownMember.Error())

	p, err := s.Lookup("P")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Size())
	assert.False(t, p.HasEnded())
	_, ok := p.Member(fresh[0].Identity())
	assert.True(t, ok)
}

func TestIdsContinueAfterReap(t *testing.T) {
	s, c := newServer(t)
	ctx := context.Background()

	agents, _ := joinAgents(t, c, wire.JoinRequest{Pool: "P"}, 2)
	for _, a := range agents {
		require.NoError(t, c.Leave(ctx, a.Identity()))
	}
	p, err := s.Lookup("P")
	require.NoError(t, err)
	require.Equal(t, []string{"P"}, s.reap(p.EndedAt().Add(time.Minute)))

	_, replies := joinAgents(t, c, wire.JoinRequest{Pool: "P"}, 1)
	assert.Equal(t, "2", replies[0].Identity.ID)
}

func TestAdminAPI(t *testing.T) {
	s, c := newServer(t)
	joinAgents(t, c, wire.JoinRequest{Pool: "P", Location: "rack1"}, 2)

	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	get := func(path string, v interface{}) int {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		if v != nil {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
		}
		return resp.StatusCode
	}

	var names []string
	assert.Equal(t, http.StatusOK, get("/pools", &names))
	assert.Equal(t, []string{"P"}, names)

	var stats pool.Stats
	assert.Equal(t, http.StatusOK, get("/pools/P", &stats))
	assert.Equal(t, 2, stats.Size)

	var members []pool.Identity
	assert.Equal(t, http.StatusOK, get("/pools/P/members", &members))
	assert.Len(t, members, 2)

	var locations []string
	assert.Equal(t, http.StatusOK, get("/pools/P/locations", &locations))
	assert.Equal(t, []string{"rack1", "rack1"}, locations)

	var apiErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	assert.Equal(t, http.StatusNotFound, get("/pools/nope", &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Code)

	var pong Pong
	assert.Equal(t, http.StatusOK, get("/ping", &pong))
	assert.True(t, pong.OK)
	assert.Equal(t, 1, pong.Pools)
	assert.Equal(t, 2, pong.Members)

	assert.Equal(t, http.StatusOK, get("/metrics", nil))
}

func TestParseDiscoveryUri(t *testing.T) {
	scheme, hosts, path, err := parseDiscoveryUri("zk://zk1:2181,zk2:2181/registry/servers/")
	require.NoError(t, err)
	assert.Equal(t, "zk", scheme)
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, hosts)
	assert.Equal(t, "/registry/servers", path)

	scheme, hosts, path, err = parseDiscoveryUri("etcd://localhost:2379")
	require.NoError(t, err)
	assert.Equal(t, "etcd", scheme)
	assert.Equal(t, []string{"localhost:2379"}, hosts)
	assert.Equal(t, DefaultDiscoveryPath, path)

	_, _, _, err = parseDiscoveryUri("consul://localhost:8500")
	assert.Error(t, err)
	_, _, _, err = parseDiscoveryUri("zk:///path")
	assert.Error(t, err)

	assert.Equal(t, []string{"http://a:2379", "https://b:2379"}, etcdEndpoints([]string{"a:2379", "https://b:2379"}))
}
