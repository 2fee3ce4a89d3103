// Package storage keeps published pool statistics for monitoring. It never
// holds the event log itself.
package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nemosupremo/poolreg/pool"
	"github.com/samuel/go-zookeeper/zk"
)

const DefaultPrefix = "/poolreg"

var ErrStatsNotExists = errors.New("No statistics were published for this pool.")
var ErrConflict = errors.New("Storage backend conflict")

type Storage interface {
	Pools(bool) ([]string, <-chan zk.Event, error)
	PoolStats(string) (pool.Stats, error)
	SavePoolStats(pool.Stats) error
	DeletePoolStats(string) error
	Close()
}

func NewStorageBackend(uri string) (Storage, error) {
	scheme, hosts, prefix, err := parseUri(uri)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "zk":
		return NewZkStorage(WithZkServers(zk.FormatServers(hosts)), WithZkPrefix(prefix))
	default:
		return nil, fmt.Errorf("Unsupported backend type '%s'", scheme)
	}
}

func parseUri(uri string) (string, []string, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", nil, "", err
	}
	if u.Host == "" {
		return "", nil, "", fmt.Errorf("No hosts provided in storage uri '%s'", uri)
	}
	prefix := u.Path
	if prefix == "" || prefix == "/" {
		prefix = DefaultPrefix
	} else if prefix[0] != '/' {
		prefix = "/" + prefix
	}
	return u.Scheme, strings.Split(u.Host, ","), strings.TrimSuffix(prefix, "/"), nil
}
