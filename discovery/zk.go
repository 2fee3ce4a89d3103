package discovery

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	log "github.com/sirupsen/logrus"
)

const seqDigits = 10

// zkAnnouncer registers the server as a protected ephemeral sequential
// node under path. The instance with the lowest sequence number is primary.
type zkAnnouncer struct {
	zk   *zk.Conn
	path string
	self Instance

	nodesLock    sync.Mutex
	createdNodes []string

	instances     []Instance
	instancesLock sync.Mutex

	stop    chan struct{}
	status  sync.WaitGroup
	running int32
}

func NewZkAnnouncer(conn *zk.Conn, path string, self Instance) Announcer {
	return &zkAnnouncer{
		zk:   conn,
		path: path,
		self: self,
		stop: make(chan struct{}),
	}
}

func (a *zkAnnouncer) register() error {
	data, _ := json.Marshal(a.self)
	p, err := a.zk.CreateProtectedEphemeralSequential(a.path+"/"+a.self.Node(), data, zk.WorldACL(zk.PermAll))
	if err == zk.ErrNoNode {
		log.Debugf("Discovery: Zookeeper node %s does not exist. Going to create it.", a.path)
		if _, err := a.zk.Create(a.path, []byte{}, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("Failed to create discovery zknode: %s", err.Error())
		}
		p, err = a.zk.CreateProtectedEphemeralSequential(a.path+"/"+a.self.Node(), data, zk.WorldACL(zk.PermAll))
	}
	if err != nil {
		return fmt.Errorf("Failed to create ephemeral node: %s", err.Error())
	}
	a.nodesLock.Lock()
	a.createdNodes = append(a.createdNodes, p)
	a.nodesLock.Unlock()
	return nil
}

func (a *zkAnnouncer) Announce() error {
	if !atomic.CompareAndSwapInt32(&a.running, 0, 1) {
		return errAlreadyAnnounced
	}
	if err := a.register(); err != nil {
		atomic.StoreInt32(&a.running, 0)
		return err
	}
	a.status.Add(1)
	go a.watch()
	return nil
}

func (a *zkAnnouncer) Withdraw() {
	if !atomic.CompareAndSwapInt32(&a.running, 1, 0) {
		return
	}
	close(a.stop)
	a.status.Wait()
	a.nodesLock.Lock()
	defer a.nodesLock.Unlock()
	for _, n := range a.createdNodes {
		a.zk.Delete(n, -1)
	}
	a.createdNodes = nil
}

// Instances returns the announced servers, from the watch while this server
// is announced and from zookeeper otherwise.
func (a *zkAnnouncer) Instances() ([]Instance, error) {
	if atomic.LoadInt32(&a.running) == 1 {
		a.instancesLock.Lock()
		cached := append([]Instance(nil), a.instances...)
		a.instancesLock.Unlock()
		if len(cached) > 0 {
			return cached, nil
		}
	}
	children, _, err := a.zk.Children(a.path)
	if err == zk.ErrNoNode {
		return []Instance{}, nil
	} else if err != nil {
		return nil, err
	}
	return a.parseChildren(children), nil
}

func (a *zkAnnouncer) watch() {
	defer a.status.Done()
	tmr := time.NewTimer(5 * time.Second)
	defer tmr.Stop()
	for {
		if ch, err := a.onChange(); err == nil {
			select {
			case <-ch:
			case <-a.stop:
				return
			}
		} else {
			log.Warnf("Discovery: error watching children: %s", err.Error())
			tmr.Reset(5 * time.Second)
			select {
			case <-tmr.C:
			case <-a.stop:
				return
			}
		}
	}
}

func (a *zkAnnouncer) onChange() (<-chan zk.Event, error) {
	children, _, ch, err := a.zk.ChildrenW(a.path)
	if err != nil {
		return nil, err
	}
	instances := a.parseChildren(children)
	foundMyself := false
	for _, i := range instances {
		if i.ID == a.self.ID {
			foundMyself = true
		}
	}
	a.instancesLock.Lock()
	a.instances = instances
	a.instancesLock.Unlock()
	log.Debugf("Discovery: %d registry servers announced.", len(instances))

	if !foundMyself {
		if err := a.register(); err != nil {
			log.Warnf("Failed to re-announce this server in zookeeper: %v", err)
		}
	}
	return ch, nil
}

func (a *zkAnnouncer) parseChildren(children []string) []Instance {
	instances := make([]Instance, 0, len(children))
	primary, primarySeq := -1, -1
	for _, child := range children {
		i, seq, ok := parseNode(child)
		if !ok {
			log.Warnf("Discovery: invalid node %v", child)
			continue
		}
		if data, _, err := a.zk.Get(a.path + "/" + child); err == nil {
			var announced Instance
			if json.Unmarshal(data, &announced) == nil && announced.ID == i.ID {
				i.Version = announced.Version
			}
		}
		if primarySeq == -1 || seq < primarySeq {
			primary, primarySeq = len(instances), seq
		}
		instances = append(instances, i)
	}
	if primary >= 0 {
		instances[primary].Primary = true
	}
	return sorted(instances)
}

// parseNode splits a protected sequential node name,
// "_c_<guid>-<host>$<id><sequence>", into its instance and sequence number.
func parseNode(child string) (Instance, int, bool) {
	parts := strings.SplitN(child, "-", 2)
	if len(parts) != 2 || len(parts[1]) <= seqDigits {
		return Instance{}, 0, false
	}
	name := parts[1][:len(parts[1])-seqDigits]
	seq, err := strconv.Atoi(parts[1][len(parts[1])-seqDigits:])
	if err != nil {
		return Instance{}, 0, false
	}
	b := strings.Split(name, "$")
	if len(b) != 2 {
		return Instance{}, 0, false
	}
	return Instance{Host: b[0], ID: b[1]}, seq, true
}
