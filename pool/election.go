package pool

import "sort"

// Election records the winner of a named election and the ELECT event
// that made it so.
type Election struct {
	Name   string   `json:"name"`
	Winner Identity `json:"winner"`
	Event  Event    `json:"event"`
}

type electionTable map[string]Election

func (t electionTable) sorted() []Election {
	out := make([]Election, 0, len(t))
	for _, e := range t {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// wonBy lists, in name order, the elections currently held by id.
func (t electionTable) wonBy(id Identity) []string {
	var names []string
	for name, e := range t {
		if e.Winner.Equal(id) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
