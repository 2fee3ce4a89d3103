package pool

import (
	"math/rand"
	"sort"
	"time"
)

// Member is the registry's bookkeeping for one joined process. Pool hands
// out copies; the stored records are only touched under the pool lock.
type Member struct {
	Identity Identity  `json:"identity"`
	JoinTime int64     `json:"join_time"`
	AckTime  int64     `json:"ack_time"`
	LastSeen time.Time `json:"last_seen"`
}

type Members []Member

func (a Members) Len() int           { return len(a) }
func (a Members) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a Members) Less(i, j int) bool { return a[i].JoinTime < a[j].JoinTime }

func (a Members) Identities() []Identity {
	ids := make([]Identity, len(a))
	for i, m := range a {
		ids[i] = m.Identity
	}
	return ids
}

// Mode selects how a pool's event log is disseminated, and with it the
// member set implementation that serves the strategy's selections best.
type Mode int

const (
	Central Mode = iota
	Tree
	Gossip
)

func (m Mode) String() string {
	switch m {
	case Tree:
		return "tree"
	case Gossip:
		return "gossip"
	default:
		return "central"
	}
}

// MemberSet is the member directory of one pool. Implementations are not
// safe for concurrent use; Pool serializes every call.
type MemberSet interface {
	Add(m *Member)
	Remove(id string) (*Member, bool)
	Get(id string) (*Member, bool)
	Len() int
	// All returns the members in join order.
	All() []*Member
	// Random returns up to n distinct members.
	Random(n int, r *rand.Rand) []*Member
	// RootChildren returns the members at ranks 1, 2, 4, 8, ... of a binomial
	// tree rooted at the registry, where members hold ranks 1..Len() in join order.
	RootChildren() []*Member
	LeastRecentlySeen() (*Member, bool)
}

func NewMemberSet(mode Mode) MemberSet {
	switch mode {
	case Tree:
		return newTreeSet()
	case Gossip:
		return newRandomSet()
	default:
		return &listSet{}
	}
}

// rootRanks lists the children of the root in a binomial tree of size n:
// 1, 2, 4, 8 and so on up to n.
func rootRanks(n int) []int {
	var ranks []int
	for step := 1; step <= n; step <<= 1 {
		ranks = append(ranks, step)
	}
	return ranks
}

func byRanks(ordered []*Member, ranks []int) []*Member {
	out := make([]*Member, 0, len(ranks))
	for _, r := range ranks {
		out = append(out, ordered[r-1])
	}
	return out
}

func leastRecentlySeen(ms []*Member) (*Member, bool) {
	var oldest *Member
	for _, m := range ms {
		if oldest == nil || m.LastSeen.Before(oldest.LastSeen) {
			oldest = m
		}
	}
	return oldest, oldest != nil
}

func randomSample(ms []*Member, n int, r *rand.Rand) []*Member {
	if n > len(ms) {
		n = len(ms)
	}
	out := make([]*Member, 0, n)
	for _, i := range r.Perm(len(ms))[:n] {
		out = append(out, ms[i])
	}
	return out
}

// listSet is a plain slice in join order. Lookups are linear, which is fine
// for central push where every cycle walks the whole set anyway.
type listSet struct {
	members []*Member
}

func (s *listSet) Add(m *Member) {
	s.members = append(s.members, m)
}

func (s *listSet) Remove(id string) (*Member, bool) {
	for i, m := range s.members {
		if m.Identity.ID == id {
			s.members = append(s.members[:i], s.members[i+1:]...)
			return m, true
		}
	}
	return nil, false
}

func (s *listSet) Get(id string) (*Member, bool) {
	for _, m := range s.members {
		if m.Identity.ID == id {
			return m, true
		}
	}
	return nil, false
}

func (s *listSet) Len() int { return len(s.members) }

func (s *listSet) All() []*Member {
	out := make([]*Member, len(s.members))
	copy(out, s.members)
	return out
}

func (s *listSet) Random(n int, r *rand.Rand) []*Member {
	return randomSample(s.members, n, r)
}

func (s *listSet) RootChildren() []*Member {
	return byRanks(s.members, rootRanks(len(s.members)))
}

func (s *listSet) LeastRecentlySeen() (*Member, bool) {
	return leastRecentlySeen(s.members)
}

// treeSet keeps join order plus an id -> position index so rank lookups
// stay constant time.
type treeSet struct {
	members []*Member
	index   map[string]int
}

func newTreeSet() *treeSet {
	return &treeSet{index: make(map[string]int)}
}

func (s *treeSet) Add(m *Member) {
	s.index[m.Identity.ID] = len(s.members)
	s.members = append(s.members, m)
}

func (s *treeSet) Remove(id string) (*Member, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	m := s.members[i]
	s.members = append(s.members[:i], s.members[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.members); j++ {
		s.index[s.members[j].Identity.ID] = j
	}
	return m, true
}

func (s *treeSet) Get(id string) (*Member, bool) {
	if i, ok := s.index[id]; ok {
		return s.members[i], true
	}
	return nil, false
}

func (s *treeSet) Len() int { return len(s.members) }

func (s *treeSet) All() []*Member {
	out := make([]*Member, len(s.members))
	copy(out, s.members)
	return out
}

func (s *treeSet) Random(n int, r *rand.Rand) []*Member {
	return randomSample(s.members, n, r)
}

func (s *treeSet) RootChildren() []*Member {
	return byRanks(s.members, rootRanks(len(s.members)))
}

func (s *treeSet) LeastRecentlySeen() (*Member, bool) {
	return leastRecentlySeen(s.members)
}

// randomSet trades ordering for O(1) add, remove and random pick, which is
// what gossip does every round.
type randomSet struct {
	members []*Member
	index   map[string]int
}

func newRandomSet() *randomSet {
	return &randomSet{index: make(map[string]int)}
}

func (s *randomSet) Add(m *Member) {
	s.index[m.Identity.ID] = len(s.members)
	s.members = append(s.members, m)
}

func (s *randomSet) Remove(id string) (*Member, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	m := s.members[i]
	last := len(s.members) - 1
	s.members[i] = s.members[last]
	s.index[s.members[i].Identity.ID] = i
	s.members = s.members[:last]
	delete(s.index, id)
	return m, true
}

func (s *randomSet) Get(id string) (*Member, bool) {
	if i, ok := s.index[id]; ok {
		return s.members[i], true
	}
	return nil, false
}

func (s *randomSet) Len() int { return len(s.members) }

func (s *randomSet) All() []*Member {
	out := make([]*Member, len(s.members))
	copy(out, s.members)
	sort.Slice(out, func(i, j int) bool { return out[i].JoinTime < out[j].JoinTime })
	return out
}

func (s *randomSet) Random(n int, r *rand.Rand) []*Member {
	if n == 1 && len(s.members) > 0 {
		return []*Member{s.members[r.Intn(len(s.members))]}
	}
	return randomSample(s.members, n, r)
}

func (s *randomSet) RootChildren() []*Member {
	all := s.All()
	return byRanks(all, rootRanks(len(all)))
}

func (s *randomSet) LeastRecentlySeen() (*Member, bool) {
	return leastRecentlySeen(s.members)
}
