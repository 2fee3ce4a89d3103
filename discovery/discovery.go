// Package discovery announces registry servers so that members and tools
// can find them.
package discovery

import (
	"errors"
	"sort"
)

var errAlreadyAnnounced = errors.New("already announced")

// Instance is one running registry server.
type Instance struct {
	Host    string `json:"host"`
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
	// Primary marks the longest-running announced instance.
	Primary bool `json:"primary"`
}

func (i *Instance) Node() string {
	return i.Host + "$" + i.ID
}

type Announcer interface {
	Announce() error
	Withdraw()
	Instances() ([]Instance, error)
}

type Instances []Instance

func (a Instances) Len() int      { return len(a) }
func (a Instances) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a Instances) Less(i, j int) bool {
	return (a[i].Host == a[j].Host && a[i].ID < a[j].ID) || a[i].Host < a[j].Host
}

func sorted(in []Instance) []Instance {
	sort.Sort(Instances(in))
	return in
}
