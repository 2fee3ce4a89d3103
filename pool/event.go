package pool

import (
	"fmt"
	"strings"
)

type EventType byte

const (
	Join EventType = iota + 1
	Leave
	Died
	Signal
	Elect
	UnElect
	PoolClosed
	PoolTerminated
)

var eventTypeNames = map[EventType]string{
	Join:           "JOIN",
	Leave:          "LEAVE",
	Died:           "DIED",
	Signal:         "SIGNAL",
	Elect:          "ELECT",
	UnElect:        "UN_ELECT",
	PoolClosed:     "POOL_CLOSED",
	PoolTerminated: "POOL_TERMINATED",
}

func (t EventType) String() string {
	if n, ok := eventTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("EventType(%d)", byte(t))
}

func (t EventType) Valid() bool {
	_, ok := eventTypeNames[t]
	return ok
}

// Event is one entry of a pool's history. Events are created by the pool
// under its lock and never modified afterwards.
type Event struct {
	Time        int64      `json:"time"`
	Type        EventType  `json:"type"`
	Description string     `json:"description,omitempty"`
	Source      *Identity  `json:"source,omitempty"`
	Subjects    []Identity `json:"subjects,omitempty"`
}

// Concerns reports whether id is one of the event's subjects.
func (e Event) Concerns(id Identity) bool {
	return Identities(e.Subjects).Contains(id)
}

func (e Event) String() string {
	subjects := make([]string, len(e.Subjects))
	for i, s := range e.Subjects {
		subjects[i] = s.String()
	}
	if e.Description != "" {
		return fmt.Sprintf("%d:%s(%s)[%s]", e.Time, e.Type, e.Description, strings.Join(subjects, ","))
	}
	return fmt.Sprintf("%d:%s[%s]", e.Time, e.Type, strings.Join(subjects, ","))
}

// eventLog holds a dense run of events; events[i].Time == min+i.
type eventLog struct {
	min    int64
	events []Event
}

func (l *eventLog) next() int64 {
	return l.min + int64(len(l.events))
}

func (l *eventLog) append(e Event) {
	if e.Time != l.next() {
		panic(fmt.Sprintf("event log gap: appending %d, expected %d", e.Time, l.next()))
	}
	l.events = append(l.events, e)
}

// from returns a copy of every retained event with time >= t.
func (l *eventLog) from(t int64) []Event {
	if t < l.min {
		t = l.min
	}
	if t >= l.next() {
		return []Event{}
	}
	out := make([]Event, l.next()-t)
	copy(out, l.events[t-l.min:])
	return out
}

// purge drops every event with time < t.
func (l *eventLog) purge(t int64) {
	if t <= l.min {
		return
	}
	if t > l.next() {
		t = l.next()
	}
	drop := int(t - l.min)
	rest := make([]Event, len(l.events)-drop)
	copy(rest, l.events[drop:])
	l.events = rest
	l.min = t
}

func (l *eventLog) len() int {
	return len(l.events)
}
