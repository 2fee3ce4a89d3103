package pool

import (
	"bytes"
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/nemosupremo/poolreg/telemetry"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const DefaultMaybeDeadDebounce = 5 * time.Second

// Config is fixed by the first member to join a pool.
type Config struct {
	Name        string
	ImplVersion string
	Credentials []byte

	Mode           Mode
	AdaptiveGossip bool
	WakeOnEvent    bool
	PeerBootstrap  bool

	ClosedWorld bool
	FixedSize   int

	HeartbeatInterval time.Duration
	PushInterval      time.Duration
	GossipInterval    time.Duration
	MaybeDeadDebounce time.Duration

	Stats bool

	// FirstID is the ordinal given to the first member.
	FirstID int
}

// Snapshot is the full state handed to a member whose history was
// compacted away. Members and Elections describe the pool as of Time;
// Events is the retained tail starting at the requested join time.
type Snapshot struct {
	Time       int64      `json:"time"`
	MinTime    int64      `json:"min_time"`
	Members    []Identity `json:"members"`
	Elections  []Election `json:"elections"`
	Events     []Event    `json:"events"`
	Closed     bool       `json:"closed"`
	Terminated bool       `json:"terminated"`
}

type Stats struct {
	Name        string           `json:"name"`
	Mode        string           `json:"mode"`
	Size        int              `json:"size"`
	CurrentTime int64            `json:"current_time"`
	MinTime     int64            `json:"min_time"`
	Retained    int              `json:"retained_events"`
	Elections   int              `json:"elections"`
	Closed      bool             `json:"closed"`
	Terminated  bool             `json:"terminated"`
	Ended       bool             `json:"ended"`
	Events      map[string]int64 `json:"events"`
}

// Pool is the state machine of one named group. Every method runs under a
// single lock and none of them blocks on I/O.
type Pool struct {
	mu     sync.Mutex
	config Config
	log    *log.Entry
	now    func() time.Time
	rnd    *rand.Rand

	members   MemberSet
	events    eventLog
	elections electionTable

	nextID      int
	currentTime int64
	minTime     int64

	closed     bool
	terminated bool
	ended      bool
	endedAt    time.Time

	sequencers map[string]int64
	tokens     map[string]int64
	counts     map[EventType]int64

	changed  chan struct{}
	done     chan struct{}
	urgent   chan struct{}
	suspects chan struct{}
}

func New(config Config) *Pool {
	if config.MaybeDeadDebounce <= 0 {
		config.MaybeDeadDebounce = DefaultMaybeDeadDebounce
	}
	return &Pool{
		config:     config,
		nextID:     config.FirstID,
		log:        log.WithFields(log.Fields{"pool": config.Name}),
		now:        time.Now,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		members:    NewMemberSet(config.Mode),
		elections:  make(electionTable),
		sequencers: make(map[string]int64),
		tokens:     make(map[string]int64),
		counts:     make(map[EventType]int64),
		changed:    make(chan struct{}),
		done:       make(chan struct{}),
		urgent:     make(chan struct{}),
		suspects:   make(chan struct{}, 1),
	}
}

func (p *Pool) Name() string {
	return p.config.Name
}

func (p *Pool) Config() Config {
	return p.config
}

// CheckCompatible verifies that a joiner's options agree with the options
// the pool was created with.
func (p *Pool) CheckCompatible(c Config) error {
	if c.ImplVersion != p.config.ImplVersion {
		return errors.Wrapf(ErrImplementationMismatch, "pool %s runs %q, joiner has %q", p.config.Name, p.config.ImplVersion, c.ImplVersion)
	}
	if len(p.config.Credentials) > 0 && !bytes.Equal(c.Credentials, p.config.Credentials) {
		return ErrInvalidCredentials
	}
	if c.Mode != p.config.Mode || c.ClosedWorld != p.config.ClosedWorld || c.FixedSize != p.config.FixedSize {
		p.log.Warnf("Joiner options (mode %s, closed world %v, size %d) differ from pool options (mode %s, closed world %v, size %d); using pool options.",
			c.Mode, c.ClosedWorld, c.FixedSize, p.config.Mode, p.config.ClosedWorld, p.config.FixedSize)
	}
	return nil
}

// addEvent appends the next event. Callers hold p.mu.
func (p *Pool) addEvent(t EventType, description string, source *Identity, subjects ...Identity) Event {
	e := Event{
		Time:        p.currentTime,
		Type:        t,
		Description: description,
		Source:      source,
		Subjects:    subjects,
	}
	p.events.append(e)
	p.currentTime++
	p.counts[t]++
	telemetry.EventsTotal.WithLabelValues(t.String()).Inc()
	p.log.Debugf("Event %v", e)

	close(p.changed)
	p.changed = make(chan struct{})
	return e
}

func (p *Pool) end() {
	if p.ended {
		return
	}
	p.ended = true
	p.endedAt = p.now()
	close(p.done)
	close(p.changed)
	p.changed = make(chan struct{})
	p.log.Info("Pool ended, no members left.")
}

func (p *Pool) member(id Identity) (*Member, error) {
	if id.Pool != p.config.Name {
		return nil, errors.Wrapf(ErrUnknownMember, "%s belongs to pool %q", id, id.Pool)
	}
	m, ok := p.members.Get(id.ID)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMember, "%s", id)
	}
	if len(id.Address) > 0 && !bytes.Equal(id.Address, m.Identity.Address) {
		return nil, errors.Wrapf(ErrUnknownMember, "%s is at %s, not %s", id, m.Identity.Addr(), id.Addr())
	}
	return m, nil
}

func (p *Pool) Join(address, implData []byte, location string, tag []byte) (Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated {
		return Member{}, ErrPoolTerminated
	}
	if p.closed {
		return Member{}, ErrPoolClosed
	}
	if p.ended {
		return Member{}, ErrPoolEnded
	}

	id := Identity{
		Pool:     p.config.Name,
		ID:       strconv.Itoa(p.nextID),
		Address:  address,
		ImplData: implData,
		Location: location,
		Tag:      tag,
	}
	p.nextID++

	e := p.addEvent(Join, "", nil, id)
	m := &Member{
		Identity: id,
		JoinTime: e.Time,
		AckTime:  p.minTime,
		LastSeen: p.now(),
	}
	p.members.Add(m)
	telemetry.PoolMembers.WithLabelValues(p.config.Name).Set(float64(p.members.Len()))

	if p.config.ClosedWorld && p.members.Len() >= p.config.FixedSize {
		p.addEvent(PoolClosed, "", nil)
		p.closed = true
		p.log.Infof("Pool closed at %d members.", p.members.Len())
	}
	return *m, nil
}

func (p *Pool) remove(id Identity, t EventType, source *Identity, description string) (*Member, error) {
	m, err := p.member(id)
	if err != nil {
		return nil, err
	}
	p.members.Remove(id.ID)
	telemetry.PoolMembers.WithLabelValues(p.config.Name).Set(float64(p.members.Len()))
	p.addEvent(t, description, source, m.Identity)

	for _, name := range p.elections.wonBy(id) {
		delete(p.elections, name)
		p.addEvent(UnElect, name, nil, m.Identity)
	}

	if p.members.Len() == 0 {
		p.end()
	}
	return m, nil
}

func (p *Pool) Leave(id Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.remove(id, Leave, nil, "")
	return err
}

// Dead removes a member that was found or reported unreachable and wakes
// every dissemination engine so the rest of the pool learns of it early.
func (p *Pool) Dead(id Identity, reporter *Identity, cause string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.remove(id, Died, reporter, cause)
	if err != nil {
		return err
	}
	p.log.Infof("Member %v declared dead: %s", m.Identity, cause)
	close(p.urgent)
	p.urgent = make(chan struct{})
	return nil
}

// MaybeDead marks a member as immediately suspect for the failure detector,
// unless it was confirmed alive within the debounce window.
func (p *Pool) MaybeDead(id Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.member(id)
	if err != nil {
		return err
	}
	if p.now().Sub(m.LastSeen) < p.config.MaybeDeadDebounce {
		p.log.Debugf("Ignoring suspicion of %v, seen %v ago.", id, p.now().Sub(m.LastSeen))
		return nil
	}
	m.LastSeen = time.Time{}
	select {
	case p.suspects <- struct{}{}:
	default:
	}
	return nil
}

func (p *Pool) Heartbeat(id Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.member(id)
	if err != nil {
		return err
	}
	m.LastSeen = p.now()
	return nil
}

// Acknowledge records that a member has applied every event before t.
// Acknowledged times never move backwards.
func (p *Pool) Acknowledge(id Identity, t int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.member(id)
	if err != nil {
		return err
	}
	if t > p.currentTime {
		t = p.currentTime
	}
	if t > m.AckTime {
		m.AckTime = t
	}
	m.LastSeen = p.now()
	return nil
}

// NextSuspect picks the member that was seen least recently. When it was
// seen within interval, the remaining wait is returned instead; otherwise the
// member is stamped as seen now, claiming it for a single probe.
func (p *Pool) NextSuspect(interval time.Duration) (Member, time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.members.LeastRecentlySeen()
	if !ok {
		return Member{}, interval, false
	}
	if since := p.now().Sub(m.LastSeen); since < interval {
		return Member{}, interval - since, false
	}
	suspect := *m
	m.LastSeen = p.now()
	return suspect, 0, true
}

func (p *Pool) Elect(name string, candidate Identity) (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.member(candidate); err != nil {
		return Identity{}, errors.Wrapf(ErrNotAMember, "%s", candidate)
	}
	if e, ok := p.elections[name]; ok {
		return e.Winner, nil
	}
	if p.terminated {
		return Identity{}, ErrPoolTerminated
	}
	m, _ := p.members.Get(candidate.ID)
	e := p.addEvent(Elect, name, nil, m.Identity)
	p.elections[name] = Election{Name: name, Winner: m.Identity, Event: e}
	return m.Identity, nil
}

func (p *Pool) Winner(name string) (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.elections[name]
	return e.Winner, ok
}

func (p *Pool) SequenceNumber(name string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated {
		return 0, ErrPoolTerminated
	}
	n := p.sequencers[name]
	p.sequencers[name] = n + 1
	return n, nil
}

func (p *Pool) AddTokens(name string, count int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated {
		return ErrPoolTerminated
	}
	p.tokens[name] += count
	return nil
}

func (p *Pool) TakeToken(name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated {
		return false, ErrPoolTerminated
	}
	if p.tokens[name] <= 0 {
		return false, nil
	}
	p.tokens[name]--
	return true, nil
}

// Signal appends one SIGNAL event addressed to the targets that are still
// members; the rest are dropped.
func (p *Pool) Signal(description string, source *Identity, targets []Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated {
		return ErrPoolTerminated
	}
	live := make([]Identity, 0, len(targets))
	for _, t := range targets {
		if m, err := p.member(t); err == nil {
			live = append(live, m.Identity)
		} else {
			p.log.Debugf("Dropping signal target %v: %v", t, err)
		}
	}
	p.addEvent(Signal, description, source, live...)
	return nil
}

func (p *Pool) Terminate(source *Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated {
		return nil
	}
	p.terminated = true
	p.closed = true
	p.addEvent(PoolTerminated, "", source)
	p.log.Info("Pool terminated.")
	return nil
}

func (p *Pool) EventsFrom(t int64) ([]Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t < p.minTime {
		return nil, errors.Wrapf(ErrHistoryUnavailable, "events from %d requested, oldest retained is %d", t, p.minTime)
	}
	return p.events.from(t), nil
}

func (p *Pool) State(joinTime int64) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stateLocked(joinTime)
}

func (p *Pool) stateLocked(joinTime int64) Snapshot {
	if joinTime < p.minTime {
		joinTime = p.minTime
	}
	return Snapshot{
		Time:       p.currentTime,
		MinTime:    p.minTime,
		Members:    Members(p.copyMembers()).Identities(),
		Elections:  p.elections.sorted(),
		Events:     p.events.from(joinTime),
		Closed:     p.closed,
		Terminated: p.terminated,
	}
}

// PushContent gathers what a push to a member needs under one lock: the
// events from the member's acknowledged time, or a snapshot when those are
// compacted away or the member asked for one.
func (p *Pool) PushContent(id Identity, ackTime int64, bootstrap bool) (*Snapshot, []Event, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.member(id)
	if err != nil {
		return nil, nil, 0, err
	}
	var state *Snapshot
	from := ackTime
	if bootstrap || ackTime < p.minTime {
		s := p.stateLocked(m.JoinTime)
		state = &s
		from = s.Time
	}
	return state, p.events.from(from), p.minTime, nil
}

// PurgeHistory advances the watermark to the lowest acknowledged time and
// drops every event before it.
func (p *Pool) PurgeHistory() {
	p.mu.Lock()
	defer p.mu.Unlock()

	newMin := p.currentTime
	for _, m := range p.members.All() {
		if m.AckTime < newMin {
			newMin = m.AckTime
		}
	}
	if newMin < p.minTime {
		p.log.Errorf("Refusing to move minimum event time back from %d to %d.", p.minTime, newMin)
		return
	}
	if newMin == p.minTime {
		return
	}
	p.events.purge(newMin)
	p.log.Debugf("Purged history up to %d (%d events retained).", newMin, p.events.len())
	p.minTime = newMin
}

// WaitForTime blocks until the pool's current time reaches t, the pool
// ends, or ctx is done.
func (p *Pool) WaitForTime(ctx context.Context, t int64) error {
	for {
		p.mu.Lock()
		reached, ended, ch := p.currentTime >= t, p.ended, p.changed
		p.mu.Unlock()
		if reached {
			return nil
		}
		if ended {
			return ErrPoolEnded
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pool) copyMembers() []Member {
	all := p.members.All()
	out := make([]Member, len(all))
	for i, m := range all {
		out[i] = *m
	}
	return out
}

func (p *Pool) Members() []Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.copyMembers()
}

func (p *Pool) Member(id Identity) (Member, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.member(id)
	if err != nil {
		return Member{}, false
	}
	return *m, true
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.members.Len()
}

func (p *Pool) Locations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := p.members.All()
	out := make([]string, len(all))
	for i, m := range all {
		out[i] = m.Identity.Location
	}
	return out
}

// RandomMembers returns up to n distinct members other than exclude.
func (p *Pool) RandomMembers(n int, exclude Identity) []Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Identity, 0, n)
	for _, m := range p.members.Random(n+1, p.rnd) {
		if len(out) == n {
			break
		}
		if !m.Identity.Equal(exclude) {
			out = append(out, m.Identity)
		}
	}
	return out
}

func (p *Pool) RootChildren() []Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	children := p.members.RootChildren()
	out := make([]Member, len(children))
	for i, m := range children {
		out[i] = *m
	}
	return out
}

// NextID is the ordinal the next member to join will get.
func (p *Pool) NextID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextID
}

func (p *Pool) CurrentTime() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentTime
}

func (p *Pool) MinTime() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minTime
}

func (p *Pool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) HasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *Pool) HasEnded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}

// EndedAt returns when the last member left, or the zero time.
func (p *Pool) EndedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endedAt
}

// Done is closed once the pool has ended.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Changed returns a channel that is closed on the next appended event.
func (p *Pool) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

// Urgent returns a channel that is closed when the next member dies and the
// pool should be pushed without waiting for the next cycle.
func (p *Pool) Urgent() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.urgent
}

// Suspicions signals that a member was marked as maybe dead.
func (p *Pool) Suspicions() <-chan struct{} {
	return p.suspects
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[string]int64, len(p.counts))
	for t, n := range p.counts {
		counts[t.String()] = n
	}
	return Stats{
		Name:        p.config.Name,
		Mode:        p.config.Mode.String(),
		Size:        p.members.Len(),
		CurrentTime: p.currentTime,
		MinTime:     p.minTime,
		Retained:    p.events.len(),
		Elections:   len(p.elections),
		Closed:      p.closed,
		Terminated:  p.terminated,
		Ended:       p.ended,
		Events:      counts,
	}
}
