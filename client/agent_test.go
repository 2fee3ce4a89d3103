package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nemosupremo/poolreg/dissemination"
	"github.com/nemosupremo/poolreg/pool"
	"github.com/nemosupremo/poolreg/transport"
	"github.com/nemosupremo/poolreg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	m0 = pool.Identity{Pool: "P", ID: "0"}
	m1 = pool.Identity{Pool: "P", ID: "1"}
	m2 = pool.Identity{Pool: "P", ID: "2"}
)

func newAgent(t *testing.T) *Agent {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a := NewAgent(l, 0)
	go a.Serve()
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAgentAppliesSnapshotThenEvents(t *testing.T) {
	a := newAgent(t)
	a.SetIdentity(m1, 1)

	elect := pool.Event{Time: 2, Type: pool.Elect, Description: "leader", Subjects: []pool.Identity{m0}}
	signal := pool.Event{Time: 3, Type: pool.Signal, Description: "hello", Source: &m0, Subjects: []pool.Identity{m1}}
	require.NoError(t, a.apply(wire.PushContent{
		State: &pool.Snapshot{
			Time:      4,
			Members:   []pool.Identity{m0, m1},
			Elections: []pool.Election{{Name: "leader", Winner: m0, Event: elect}},
			Events:    []pool.Event{elect, signal},
		},
	}))
	assert.Equal(t, int64(4), a.NextTime())
	assert.Equal(t, []pool.Identity{m0, m1}, a.Members())
	w, ok := a.Winner("leader")
	require.True(t, ok)
	assert.True(t, w.Equal(m0))
	require.Len(t, a.Signals(), 1)

	require.NoError(t, a.apply(wire.PushContent{Events: []pool.Event{
		{Time: 4, Type: pool.Join, Subjects: []pool.Identity{m2}},
		{Time: 5, Type: pool.Died, Subjects: []pool.Identity{m0}},
		{Time: 6, Type: pool.UnElect, Description: "leader", Subjects: []pool.Identity{m0}},
		{Time: 7, Type: pool.PoolClosed},
	}}))
	assert.Equal(t, int64(8), a.NextTime())
	assert.Equal(t, []pool.Identity{m1, m2}, a.Members())
	_, ok = a.Winner("leader")
	assert.False(t, ok)
	assert.True(t, a.IsClosed())
	assert.False(t, a.HasTerminated())

	var times []int64
	for _, e := range a.History() {
		times = append(times, e.Time)
	}
	assert.Equal(t, []int64{2, 3, 4, 5, 6, 7}, times)
}

func TestAgentTakesPushBeforeJoinReply(t *testing.T) {
	a := newAgent(t)
	p := pool.New(pool.Config{Name: "P"})
	m, err := p.Join(a.Address(), nil, "rack1", nil)
	require.NoError(t, err)
	_, err = p.Elect("leader", m.Identity)
	require.NoError(t, err)

	pusher := dissemination.NewPusher(transport.NewClient(time.Second, time.Second, 0))
	require.NoError(t, pusher.Push(context.Background(), p, m.Identity, wire.OpPush))
	assert.True(t, a.Identity().Equal(m.Identity))
	assert.Equal(t, p.CurrentTime(), a.NextTime())
	assert.Len(t, a.Members(), 1)
	_, ok := a.Winner("leader")
	assert.True(t, ok)

	a.SetIdentity(m.Identity, m.JoinTime)
	assert.Equal(t, p.CurrentTime(), a.NextTime())
	got, _ := p.Member(m.Identity)
	assert.Equal(t, p.CurrentTime(), got.AckTime)
}

func TestAgentSkipsRedeliveredEvents(t *testing.T) {
	a := newAgent(t)
	a.SetIdentity(m0, 0)
	join := pool.Event{Time: 0, Type: pool.Join, Subjects: []pool.Identity{m0}}
	signal := pool.Event{Time: 1, Type: pool.Signal, Subjects: []pool.Identity{m0}}

	require.NoError(t, a.apply(wire.PushContent{Events: []pool.Event{join, signal}}))
	require.NoError(t, a.apply(wire.PushContent{Events: []pool.Event{join, signal}}))
	assert.Len(t, a.Members(), 1)
	assert.Len(t, a.Signals(), 1)
	assert.Equal(t, int64(2), a.NextTime())
}

func TestAgentRejectsGap(t *testing.T) {
	a := newAgent(t)
	a.SetIdentity(m0, 0)
	err := a.apply(wire.PushContent{Events: []pool.Event{{Time: 3, Type: pool.PoolTerminated}}})
	assert.Error(t, err)
	assert.Equal(t, int64(0), a.NextTime())
	assert.False(t, a.HasTerminated())
}

func TestAgentSignalsForOthersIgnored(t *testing.T) {
	a := newAgent(t)
	a.SetIdentity(m1, 0)
	require.NoError(t, a.apply(wire.PushContent{Events: []pool.Event{
		{Time: 0, Type: pool.Signal, Subjects: []pool.Identity{m0}},
		{Time: 1, Type: pool.Signal, Subjects: []pool.Identity{m0, m1}},
	}}))
	signals := a.Signals()
	require.Len(t, signals, 1)
	assert.Equal(t, int64(1), signals[0].Time)
}

func TestAgentAnswersPing(t *testing.T) {
	a := newAgent(t)
	tc := transport.NewClient(time.Second, time.Second, 0)

	err := tc.Call(context.Background(), string(a.Address()), wire.OpPing, nil, &wire.IdentityMessage{})
	require.Error(t, err)
	_, ok := err.(*wire.RemoteError)
	assert.True(t, ok, "got %T", err)

	a.SetIdentity(m2, 0)
	var reply wire.IdentityMessage
	require.NoError(t, tc.Call(context.Background(), string(a.Address()), wire.OpPing, nil, &reply))
	assert.True(t, reply.Identity.Equal(m2))
}

func TestAgentWaitForTime(t *testing.T) {
	a := newAgent(t)
	a.SetIdentity(m0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, a.WaitForTime(ctx, 1))

	done := make(chan error, 1)
	go func() { done <- a.WaitForTime(context.Background(), 1) }()
	require.NoError(t, a.apply(wire.PushContent{Events: []pool.Event{{Time: 0, Type: pool.Join, Subjects: []pool.Identity{m0}}}}))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForTime did not return")
	}
}
