package storage

import (
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/nemosupremo/poolreg/pool"
	"github.com/samuel/go-zookeeper/zk"
)

type zkStorage struct {
	Conn   *zk.Conn
	Prefix string
	owned  bool
}

type zkStorageOpt func(*zkStorage) error

func WithZkConnection(c *zk.Conn) zkStorageOpt {
	return func(z *zkStorage) error {
		z.Conn = c
		return nil
	}
}

func WithZkServers(servers []string) zkStorageOpt {
	return func(z *zkStorage) error {
		if c, _, err := zk.Connect(servers, 10*time.Second, zk.WithLogInfo(false)); err == nil {
			z.Conn = c
			z.owned = true
			return nil
		} else {
			return err
		}
	}
}

func WithZkPrefix(prefix string) zkStorageOpt {
	return func(z *zkStorage) error {
		z.Prefix = prefix
		return nil
	}
}

func NewZkStorage(connectOpt zkStorageOpt, options ...zkStorageOpt) (Storage, error) {
	z := &zkStorage{}
	if err := connectOpt(z); err != nil {
		return nil, err
	}
	for _, opt := range options {
		if err := opt(z); err != nil {
			return nil, err
		}
	}
	if z.Conn == nil {
		panic("NewZkStorage called without any zookeeper connection parameters.")
	}
	if z.Prefix == "" || z.Prefix == "/" {
		z.Prefix = DefaultPrefix
	}
	if err := z.ensure(z.poolsPath()); err != nil {
		z.Close()
		return nil, err
	}
	return z, nil
}

// ensure creates every missing node along p.
func (z *zkStorage) ensure(p string) error {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := 1; i <= len(parts); i++ {
		node := "/" + strings.Join(parts[:i], "/")
		if exists, _, err := z.Conn.Exists(node); err == nil && !exists {
			if _, err := z.Conn.Create(node, []byte{}, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (z *zkStorage) poolsPath() string {
	return path.Join(z.Prefix, "pools")
}

func (z *zkStorage) statsPath(name string) string {
	return path.Join(z.poolsPath(), escapeName(name))
}

func (z *zkStorage) Pools(watch bool) ([]string, <-chan zk.Event, error) {
	var names []string
	var ch <-chan zk.Event
	var err error
	if watch {
		names, _, ch, err = z.Conn.ChildrenW(z.poolsPath())
	} else {
		names, _, err = z.Conn.Children(z.poolsPath())
	}
	if err == zk.ErrNoNode {
		if watch {
			_, _, ch, err = z.Conn.ExistsW(z.poolsPath())
		}
		return []string{}, ch, err
	} else if err != nil {
		return nil, nil, err
	}
	for i := range names {
		names[i] = unescapeName(names[i])
	}
	return names, ch, nil
}

func (z *zkStorage) PoolStats(name string) (pool.Stats, error) {
	var stats pool.Stats
	if b, _, err := z.Conn.Get(z.statsPath(name)); err == nil {
		err := json.Unmarshal(b, &stats)
		return stats, err
	} else if err == zk.ErrNoNode {
		return stats, ErrStatsNotExists
	} else {
		return stats, err
	}
}

func (z *zkStorage) SavePoolStats(stats pool.Stats) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	p := z.statsPath(stats.Name)
	if exists, s, err := z.Conn.Exists(p); err == nil && !exists {
		_, err := z.Conn.Create(p, b, 0, zk.WorldACL(zk.PermAll))
		if err == zk.ErrNodeExists || err == zk.ErrNoNode {
			return ErrConflict
		}
		return err
	} else if err == nil {
		if _, err := z.Conn.Set(p, b, s.Version); err == zk.ErrBadVersion || err == zk.ErrNoNode {
			return ErrConflict
		} else {
			return err
		}
	} else {
		return err
	}
}

func (z *zkStorage) DeletePoolStats(name string) error {
	if err := z.Conn.Delete(z.statsPath(name), -1); err != nil && err != zk.ErrNoNode {
		return err
	}
	return nil
}

func (z *zkStorage) Close() {
	if z.owned {
		z.Conn.Close()
	}
}

// Pool names may contain '/', which zookeeper treats as a path separator.
func escapeName(name string) string {
	return strings.NewReplacer("%", "%25", "/", "%2F").Replace(name)
}

func unescapeName(node string) string {
	return strings.NewReplacer("%2F", "/", "%25", "%").Replace(node)
}
