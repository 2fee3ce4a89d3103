package pool

import (
	"bytes"
	"strconv"
)

// Identity names one member of one pool. Two identities are the same member
// when their pool and id match; the remaining fields describe where and what
// the member is.
type Identity struct {
	Pool     string `json:"pool"`
	ID       string `json:"id"`
	Address  []byte `json:"address"`
	ImplData []byte `json:"impl_data,omitempty"`
	Location string `json:"location"`
	Tag      []byte `json:"tag,omitempty"`
}

func (i Identity) Equal(o Identity) bool {
	return i.Pool == o.Pool && i.ID == o.ID
}

// SameAs compares every field, not only the pool and id.
func (i Identity) SameAs(o Identity) bool {
	return i.Equal(o) &&
		bytes.Equal(i.Address, o.Address) &&
		bytes.Equal(i.ImplData, o.ImplData) &&
		i.Location == o.Location &&
		bytes.Equal(i.Tag, o.Tag)
}

func (i Identity) IsZero() bool {
	return i.Pool == "" && i.ID == ""
}

// Addr is the network address the member listens on for pings and pushes.
func (i Identity) Addr() string {
	return string(i.Address)
}

func (i Identity) String() string {
	return i.Pool + "$" + i.ID + "@" + i.Location
}

type Identities []Identity

func (a Identities) Len() int      { return len(a) }
func (a Identities) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a Identities) Less(i, j int) bool {
	if a[i].Pool != a[j].Pool {
		return a[i].Pool < a[j].Pool
	}
	ni, erri := strconv.Atoi(a[i].ID)
	nj, errj := strconv.Atoi(a[j].ID)
	if erri == nil && errj == nil {
		return ni < nj
	}
	return a[i].ID < a[j].ID
}

func (a Identities) Contains(id Identity) bool {
	for _, x := range a {
		if x.Equal(id) {
			return true
		}
	}
	return false
}
