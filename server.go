package poolreg

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/go-cmp/cmp"
	"github.com/nemosupremo/poolreg/detector"
	"github.com/nemosupremo/poolreg/discovery"
	"github.com/nemosupremo/poolreg/dispatch"
	"github.com/nemosupremo/poolreg/dissemination"
	"github.com/nemosupremo/poolreg/pool"
	"github.com/nemosupremo/poolreg/storage"
	"github.com/nemosupremo/poolreg/telemetry"
	"github.com/nemosupremo/poolreg/transport"
	"github.com/nemosupremo/poolreg/wire"
	"github.com/pkg/errors"
	"github.com/samuel/go-zookeeper/zk"
	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	DefaultPoolGrace     = time.Minute
	DefaultReapInterval  = 10 * time.Second
	DefaultStatsInterval = 30 * time.Second

	bootstrapSample = 5
)

var ErrPoolNotFound = errors.New("pool not found")

type Server struct {
	ID          string
	Addr        string
	Listen      string
	AdminListen string

	Storage   storage.Storage
	Announcer discovery.Announcer

	config     ServerConfig
	transport  *transport.Client
	pusher     *dissemination.Pusher
	dispatcher *dispatch.Dispatcher
	listener   net.Listener
	zk         *zk.Conn
	etcd       *clientv3.Client

	mu        sync.Mutex
	pools     map[string]*pool.Pool
	issued    map[string]int
	published map[string]pool.Stats

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup

	version string
	ping    chan chan<- Pong
	wg      sync.WaitGroup
	quit    chan struct{}
	hasQuit int32
}

type ServerConfig struct {
	Hostname    string
	Listen      string
	AdminListen string

	MaxHandlers       int
	RequestTimeout    time.Duration
	ConnectTimeout    time.Duration
	PushWorkers       int
	MaxFrameSize      int
	MaybeDeadDebounce time.Duration

	PoolGrace    time.Duration
	ReapInterval time.Duration

	Discovery     string
	StatsStore    string
	StatsInterval time.Duration
}

type Pong struct {
	OK      bool          `json:"ok"`
	ID      string        `json:"id"`
	Addr    string        `json:"addr"`
	Version string        `json:"version"`
	Uptime  time.Duration `json:"uptime"`
	Pools   int           `json:"pools"`
	Members int           `json:"members"`
}

func NewServer(config ServerConfig) (*Server, error) {
	if config.PoolGrace <= 0 {
		config.PoolGrace = DefaultPoolGrace
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = DefaultReapInterval
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = DefaultStatsInterval
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = wire.DefaultMaxFrameSize
	}

	s := &Server{
		ID:          ksuid.New().String(),
		Listen:      config.Listen,
		AdminListen: config.AdminListen,
		config:      config,
		pools:       make(map[string]*pool.Pool),
		issued:      make(map[string]int),
		published:   make(map[string]pool.Stats),
		quit:        make(chan struct{}),
		ping:        make(chan chan<- Pong),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.transport = transport.NewClient(config.ConnectTimeout, config.RequestTimeout, config.MaxFrameSize)
	s.pusher = dissemination.NewPusher(s.transport)
	s.dispatcher = dispatch.New(s, dispatch.Options{
		MaxHandlers:    config.MaxHandlers,
		RequestTimeout: config.RequestTimeout,
		MaxFrameSize:   config.MaxFrameSize,
	})

	if config.StatsStore != "" {
		if st, err := storage.NewStorageBackend(config.StatsStore); err == nil {
			s.Storage = st
		} else {
			return nil, errors.Wrap(err, "connecting to stats store")
		}
	}
	return s, nil
}

func (s *Server) SetVersion(v string) {
	s.version = v
}

// Bind opens the member listener. Run binds on its own when Bind was not
// called.
func (s *Server) Bind() error {
	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.Listen)
	if err != nil {
		return err
	}
	s.listener = l

	host, port, _ := net.SplitHostPort(l.Addr().String())
	if s.config.Hostname != "" {
		host = s.config.Hostname
	} else if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host, _ = os.Hostname()
	}
	s.Addr = net.JoinHostPort(host, port)
	return nil
}

// ListenAddr is the address the member listener is bound to.
func (s *Server) ListenAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) connectDiscovery() error {
	if s.config.Discovery == "" || s.Announcer != nil {
		return nil
	}
	scheme, hosts, path, err := parseDiscoveryUri(s.config.Discovery)
	if err != nil {
		return err
	}
	self := discovery.Instance{Host: s.Addr, ID: s.ID, Version: s.version}
	switch scheme {
	case "zk":
		conn, err := connectZookeeper(hosts)
		if err != nil {
			return err
		}
		s.zk = conn
		s.Announcer = discovery.NewZkAnnouncer(conn, path, self)
	case "etcd":
		cli, err := discovery.NewEtcdClient(etcdEndpoints(hosts))
		if err != nil {
			return err
		}
		s.etcd = cli
		s.Announcer = discovery.NewEtcdAnnouncer(cli, path, self, discovery.DefaultLeaseTTL)
	}
	return nil
}

func (s *Server) announce(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(s.Announcer.Announce, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Warnf("Failed to announce server, retrying in %v: %v", d, err)
	})
	if err == nil {
		log.Infof("Announced registry server %s at %s.", s.ID, s.Addr)
	}
}

func (s *Server) Run() error {
	if err := s.Bind(); err != nil {
		return err
	}
	if err := s.connectDiscovery(); err != nil {
		return err
	}

	s.wg.Add(1)
	defer s.wg.Done()
	defer log.Warn("Exiting Server Run")
	defer s.closeBackends()
	defer s.running.Wait()
	defer s.cancel()
	defer s.tryShutdown()

	log.Info("Starting Registry Server...")
	serverStart := time.Now()

	served := make(chan error, 1)
	go func() {
		log.Infof("Accepting members on %v", s.listener.Addr())
		served <- s.dispatcher.Serve(s.ctx, s.listener)
	}()
	if s.AdminListen != "" {
		go s.Serve(s.ctx)
	}
	if s.Announcer != nil {
		go s.announce(s.ctx)
		defer s.Announcer.Withdraw()
	}

	reap := time.NewTicker(s.config.ReapInterval)
	defer reap.Stop()
	var publish <-chan time.Time
	if s.Storage != nil {
		t := time.NewTicker(s.config.StatsInterval)
		defer t.Stop()
		publish = t.C
	}

	for {
		select {
		case <-reap.C:
			s.reap(time.Now())
		case <-publish:
			s.publishStats()
		case pong := <-s.ping:
			pools, members := s.counts()
			pong <- Pong{
				OK:      true,
				ID:      s.ID,
				Addr:    s.Addr,
				Uptime:  time.Since(serverStart),
				Version: s.version,
				Pools:   pools,
				Members: members,
			}
		case err := <-served:
			if err != nil {
				log.Errorf("Member listener failed: %v", err)
			}
			return err
		case <-s.quit:
			log.Debug("Stopping pools...")
			s.cancel()
			<-served
			return nil
		}
	}
}

func (s *Server) closeBackends() {
	if s.Storage != nil {
		s.Storage.Close()
	}
	if s.zk != nil {
		s.zk.Close()
	}
	if s.etcd != nil {
		s.etcd.Close()
	}
}

// Join adds a member to the named pool, creating the pool when it does not
// exist or its previous incarnation has ended.
func (s *Server) Join(ctx context.Context, req *wire.JoinRequest) (*wire.JoinReply, error) {
	if req.Pool == "" {
		return nil, fmt.Errorf("pool name must not be empty")
	}
	config := req.Config()
	config.MaybeDeadDebounce = s.config.MaybeDeadDebounce

	s.mu.Lock()
	p, ok := s.pools[req.Pool]
	if !ok || p.HasEnded() {
		if ok {
			s.issued[req.Pool] = p.NextID()
		}
		// Member ids carry on from earlier pools of the same name so a stale
		// identity never matches a new member.
		config.FirstID = s.issued[req.Pool]
		p = pool.New(config)
		s.pools[req.Pool] = p
		telemetry.Pools.Set(float64(len(s.pools)))
		s.start(p)
	} else if err := p.CheckCompatible(config); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	m, err := p.Join(req.Address, req.ImplData, req.Location, req.Tag)
	if err != nil {
		return nil, err
	}
	reply := &wire.JoinReply{
		Identity: m.Identity,
		JoinTime: m.JoinTime,
		MinTime:  m.AckTime,
	}
	if p.Config().PeerBootstrap {
		reply.Bootstrap = p.RandomMembers(bootstrapSample, m.Identity)
	}
	return reply, nil
}

// start runs the dissemination engines and failure detector of p until p
// ends or the server shuts down.
func (s *Server) start(p *pool.Pool) {
	logger := log.WithFields(log.Fields{"pool": p.Name()})
	engines := dissemination.Engines(p, s.pusher, dissemination.Options{Workers: s.config.PushWorkers})
	for _, e := range engines {
		s.running.Add(1)
		go func(e dissemination.Engine) {
			defer s.running.Done()
			e.Run(s.ctx)
		}(e)
	}
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		detector.New(p, s.transport).Run(s.ctx)
	}()
	logger.Infof("Created pool (mode: %v).", p.Config().Mode)
}

func (s *Server) Lookup(name string) (*pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pools[name]; ok {
		return p, nil
	}
	return nil, errors.Wrap(ErrPoolNotFound, name)
}

// reap forgets pools that ended more than the grace period before now.
func (s *Server) reap(now time.Time) []string {
	s.mu.Lock()
	var reaped []string
	for name, p := range s.pools {
		if p.HasEnded() && now.Sub(p.EndedAt()) >= s.config.PoolGrace {
			delete(s.pools, name)
			s.issued[name] = p.NextID()
			telemetry.PoolMembers.DeleteLabelValues(name)
			reaped = append(reaped, name)
		}
	}
	telemetry.Pools.Set(float64(len(s.pools)))
	s.mu.Unlock()

	for _, name := range reaped {
		log.WithFields(log.Fields{"pool": name}).Debug("Reaped pool.")
		if _, ok := s.published[name]; ok && s.Storage != nil {
			if err := s.Storage.DeletePoolStats(name); err != nil {
				log.Warnf("Failed to delete stats of pool %s: %v", name, err)
			}
		}
		delete(s.published, name)
	}
	return reaped
}

func (s *Server) snapshot() []*pool.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pools := make([]*pool.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name() < pools[j].Name() })
	return pools
}

func (s *Server) counts() (int, int) {
	pools := s.snapshot()
	members := 0
	for _, p := range pools {
		members += p.Size()
	}
	return len(pools), members
}

// PoolNames lists the pools currently known, sorted.
func (s *Server) PoolNames() []string {
	pools := s.snapshot()
	names := make([]string, len(pools))
	for i, p := range pools {
		names[i] = p.Name()
	}
	return names
}

// Stats returns the statistics of every known pool.
func (s *Server) Stats() []pool.Stats {
	pools := s.snapshot()
	stats := make([]pool.Stats, len(pools))
	for i, p := range pools {
		stats[i] = p.Stats()
	}
	return stats
}

// publishStats writes the statistics of pools created with the stats flag
// to the stats store, skipping pools that did not change.
func (s *Server) publishStats() {
	for _, p := range s.snapshot() {
		if !p.Config().Stats {
			continue
		}
		stats := p.Stats()
		if last, ok := s.published[stats.Name]; ok && cmp.Equal(last, stats) {
			continue
		}
		operation := func() error {
			err := s.Storage.SavePoolStats(stats)
			if err != nil && err != storage.ErrConflict {
				err = backoff.Permanent(err)
			}
			return err
		}
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 10 * time.Second
		if err := backoff.Retry(operation, b); err == nil {
			s.published[stats.Name] = stats
		} else {
			log.Warnf("Failed to publish stats of pool %s: %v", stats.Name, err)
		}
	}
}

func (s *Server) Ping() Pong {
	p := make(chan Pong, 1)
	select {
	case s.ping <- p:
		return <-p
	case <-s.quit:
		return Pong{ID: s.ID, Addr: s.Addr, Version: s.version}
	}
}

func (s *Server) tryShutdown() {
	if atomic.CompareAndSwapInt32(&s.hasQuit, 0, 1) {
		close(s.quit)
	}
}

func (s *Server) Shutdown() {
	s.tryShutdown()
	s.wg.Wait()
}
