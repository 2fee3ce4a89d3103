package wire

import (
	"time"

	"github.com/nemosupremo/poolreg/pool"
)

type JoinRequest struct {
	Address     []byte
	Pool        string
	ImplVersion string
	ImplData    []byte
	Location    string
	Tag         []byte

	PeerBootstrap     bool
	HeartbeatInterval time.Duration
	PushInterval      time.Duration
	GossipInterval    time.Duration

	Tree           bool
	Gossip         bool
	AdaptiveGossip bool
	WakeOnEvent    bool

	ClosedWorld bool
	FixedSize   int32
	Stats       bool
	Credentials []byte
}

func (r *JoinRequest) Encode(e *Encoder) {
	e.PutBlob(r.Address)
	e.PutText(r.Pool)
	e.PutText(r.ImplVersion)
	e.PutBlob(r.ImplData)
	e.PutText(r.Location)
	e.PutBlob(r.Tag)
	e.PutBool(r.PeerBootstrap)
	e.PutDuration(r.HeartbeatInterval)
	e.PutDuration(r.PushInterval)
	e.PutDuration(r.GossipInterval)
	e.PutBool(r.Tree)
	e.PutBool(r.Gossip)
	e.PutBool(r.AdaptiveGossip)
	e.PutBool(r.WakeOnEvent)
	e.PutBool(r.ClosedWorld)
	e.PutInt32(r.FixedSize)
	e.PutBool(r.Stats)
	e.PutBlob(r.Credentials)
}

func (r *JoinRequest) Decode(d *Decoder) {
	r.Address = d.Blob()
	r.Pool = d.Text()
	r.ImplVersion = d.Text()
	r.ImplData = d.Blob()
	r.Location = d.Text()
	r.Tag = d.Blob()
	r.PeerBootstrap = d.Bool()
	r.HeartbeatInterval = d.Duration()
	r.PushInterval = d.Duration()
	r.GossipInterval = d.Duration()
	r.Tree = d.Bool()
	r.Gossip = d.Bool()
	r.AdaptiveGossip = d.Bool()
	r.WakeOnEvent = d.Bool()
	r.ClosedWorld = d.Bool()
	r.FixedSize = d.Int32()
	r.Stats = d.Bool()
	r.Credentials = d.Blob()
}

func (r *JoinRequest) Mode() pool.Mode {
	switch {
	case r.Tree:
		return pool.Tree
	case r.Gossip:
		return pool.Gossip
	}
	return pool.Central
}

// Config converts the joiner's options into pool options.
func (r *JoinRequest) Config() pool.Config {
	return pool.Config{
		Name:              r.Pool,
		ImplVersion:       r.ImplVersion,
		Credentials:       r.Credentials,
		Mode:              r.Mode(),
		AdaptiveGossip:    r.AdaptiveGossip,
		WakeOnEvent:       r.WakeOnEvent,
		PeerBootstrap:     r.PeerBootstrap,
		ClosedWorld:       r.ClosedWorld,
		FixedSize:         int(r.FixedSize),
		HeartbeatInterval: r.HeartbeatInterval,
		PushInterval:      r.PushInterval,
		GossipInterval:    r.GossipInterval,
		Stats:             r.Stats,
	}
}

type JoinReply struct {
	Identity  pool.Identity
	JoinTime  int64
	MinTime   int64
	Bootstrap []pool.Identity
}

func (r *JoinReply) Encode(e *Encoder) {
	e.PutIdentity(r.Identity)
	e.PutInt64(r.JoinTime)
	e.PutInt64(r.MinTime)
	e.PutIdentities(r.Bootstrap)
}

func (r *JoinReply) Decode(d *Decoder) {
	r.Identity = d.Identity()
	r.JoinTime = d.Int64()
	r.MinTime = d.Int64()
	r.Bootstrap = d.Identities()
}

// IdentityMessage carries a single identity. It is the body of LEAVE,
// HEARTBEAT and TERMINATE requests, and of PING replies and PUSH headers.
type IdentityMessage struct {
	Identity pool.Identity
}

func (m *IdentityMessage) Encode(e *Encoder) { e.PutIdentity(m.Identity) }
func (m *IdentityMessage) Decode(d *Decoder) { m.Identity = d.Identity() }

type ElectRequest struct {
	Candidate pool.Identity
	Name      string
}

func (r *ElectRequest) Encode(e *Encoder) {
	e.PutIdentity(r.Candidate)
	e.PutText(r.Name)
}

func (r *ElectRequest) Decode(d *Decoder) {
	r.Candidate = d.Identity()
	r.Name = d.Text()
}

// NameRequest is the body of SEQUENCE_NR and GET_TOKEN.
type NameRequest struct {
	Identity pool.Identity
	Name     string
}

func (r *NameRequest) Encode(e *Encoder) {
	e.PutIdentity(r.Identity)
	e.PutText(r.Name)
}

func (r *NameRequest) Decode(d *Decoder) {
	r.Identity = d.Identity()
	r.Name = d.Text()
}

type AddTokensRequest struct {
	Identity pool.Identity
	Name     string
	Count    int64
}

func (r *AddTokensRequest) Encode(e *Encoder) {
	e.PutIdentity(r.Identity)
	e.PutText(r.Name)
	e.PutInt64(r.Count)
}

func (r *AddTokensRequest) Decode(d *Decoder) {
	r.Identity = d.Identity()
	r.Name = d.Text()
	r.Count = d.Int64()
}

type Int64Reply struct {
	Value int64
}

func (r *Int64Reply) Encode(e *Encoder) { e.PutInt64(r.Value) }
func (r *Int64Reply) Decode(d *Decoder) { r.Value = d.Int64() }

type TokenReply struct {
	Granted bool
}

func (r *TokenReply) Encode(e *Encoder) { e.PutBool(r.Granted) }
func (r *TokenReply) Decode(d *Decoder) { r.Granted = d.Bool() }

// ReportRequest is the body of DEAD and MAYBE_DEAD.
type ReportRequest struct {
	Reporter pool.Identity
	Subject  pool.Identity
}

func (r *ReportRequest) Encode(e *Encoder) {
	e.PutIdentity(r.Reporter)
	e.PutIdentity(r.Subject)
}

func (r *ReportRequest) Decode(d *Decoder) {
	r.Reporter = d.Identity()
	r.Subject = d.Identity()
}

type SignalRequest struct {
	Source      pool.Identity
	Description string
	Targets     []pool.Identity
}

func (r *SignalRequest) Encode(e *Encoder) {
	e.PutIdentity(r.Source)
	e.PutText(r.Description)
	e.PutIdentities(r.Targets)
}

func (r *SignalRequest) Decode(d *Decoder) {
	r.Source = d.Identity()
	r.Description = d.Text()
	r.Targets = d.Identities()
}

type GetStateRequest struct {
	Identity pool.Identity
	JoinTime int64
}

func (r *GetStateRequest) Encode(e *Encoder) {
	e.PutIdentity(r.Identity)
	e.PutInt64(r.JoinTime)
}

func (r *GetStateRequest) Decode(d *Decoder) {
	r.Identity = d.Identity()
	r.JoinTime = d.Int64()
}

type StateReply struct {
	State pool.Snapshot
}

func (r *StateReply) Encode(e *Encoder) { e.PutSnapshot(r.State) }
func (r *StateReply) Decode(d *Decoder) { r.State = d.Snapshot() }

// PushHello is the member's answer to a PUSH or BROADCAST header.
type PushHello struct {
	Bootstrap bool
	AckTime   int64
}

func (h *PushHello) Encode(e *Encoder) {
	e.PutBool(h.Bootstrap)
	e.PutInt64(h.AckTime)
}

func (h *PushHello) Decode(d *Decoder) {
	h.Bootstrap = d.Bool()
	h.AckTime = d.Int64()
}

// PushContent carries an optional snapshot, the events that follow it and
// the pool's compaction watermark.
type PushContent struct {
	State   *pool.Snapshot
	Events  []pool.Event
	MinTime int64
}

func (c *PushContent) Encode(e *Encoder) {
	e.PutBool(c.State != nil)
	if c.State != nil {
		e.PutSnapshot(*c.State)
	}
	e.PutEvents(c.Events)
	e.PutInt64(c.MinTime)
}

func (c *PushContent) Decode(d *Decoder) {
	c.State = nil
	if d.Bool() {
		s := d.Snapshot()
		c.State = &s
	}
	c.Events = d.Events()
	c.MinTime = d.Int64()
}

// End returns the time following the last event carried, or from when no
// events were sent.
func (c *PushContent) End(from int64) int64 {
	if n := len(c.Events); n > 0 {
		return c.Events[n-1].Time + 1
	}
	if c.State != nil {
		return c.State.Time
	}
	return from
}
