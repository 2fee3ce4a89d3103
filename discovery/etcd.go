package discovery

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const DefaultLeaseTTL = 10

func NewEtcdClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// etcdAnnouncer puts the server under prefix with a lease that is kept
// alive until Withdraw. The oldest key is primary.
type etcdAnnouncer struct {
	cli    *clientv3.Client
	prefix string
	self   Instance
	ttl    int64

	mu     sync.Mutex
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

func NewEtcdAnnouncer(cli *clientv3.Client, prefix string, self Instance, ttl int64) Announcer {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &etcdAnnouncer{cli: cli, prefix: prefix, self: self, ttl: ttl}
}

func (a *etcdAnnouncer) key() string {
	return path.Join(a.prefix, a.self.ID)
}

func (a *etcdAnnouncer) Announce() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errAlreadyAnnounced
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lease, err := a.cli.Grant(ctx, a.ttl)
	if err != nil {
		return err
	}
	data, _ := json.Marshal(a.self)
	if _, err := a.cli.Put(ctx, a.key(), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	kctx, kcancel := context.WithCancel(context.Background())
	ch, err := a.cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		kcancel()
		return err
	}
	go func() {
		for range ch {
		}
		if kctx.Err() == nil {
			log.Warnf("Discovery: etcd lease %x for %s expired.", lease.ID, a.key())
		}
	}()
	a.lease = lease.ID
	a.cancel = kcancel
	return nil
}

func (a *etcdAnnouncer) Withdraw() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.cancel = nil
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.cli.Revoke(ctx, a.lease); err != nil {
		log.Warnf("Discovery: failed to revoke etcd lease: %v", err)
	}
}

func (a *etcdAnnouncer) Instances() ([]Instance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := a.cli.Get(ctx, a.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]Instance, 0, len(resp.Kvs))
	primary, oldest := -1, int64(0)
	for _, kv := range resp.Kvs {
		var i Instance
		if err := json.Unmarshal(kv.Value, &i); err != nil {
			log.Warnf("Discovery: invalid value at %s: %v", kv.Key, err)
			continue
		}
		i.Primary = false
		if primary == -1 || kv.CreateRevision < oldest {
			primary, oldest = len(instances), kv.CreateRevision
		}
		instances = append(instances, i)
	}
	if primary >= 0 {
		instances[primary].Primary = true
	}
	return sorted(instances), nil
}
