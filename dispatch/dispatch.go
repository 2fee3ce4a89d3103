// Package dispatch serves member requests, one request per connection.
package dispatch

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/nemosupremo/poolreg/pool"
	"github.com/nemosupremo/poolreg/telemetry"
	"github.com/nemosupremo/poolreg/transport"
	"github.com/nemosupremo/poolreg/wire"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const DefaultMaxHandlers = 50

// Registry resolves the pools named in requests.
type Registry interface {
	// Join adds a member, creating the pool on first use.
	Join(ctx context.Context, req *wire.JoinRequest) (*wire.JoinReply, error)
	Lookup(name string) (*pool.Pool, error)
}

type Options struct {
	MaxHandlers    int
	RequestTimeout time.Duration
	MaxFrameSize   int
}

type route struct {
	request func() wire.Message
	serve   func(ctx context.Context, req wire.Message) (wire.Message, error)
}

// Dispatcher routes each request to the handler for its opcode. At most
// MaxHandlers requests are served at once; beyond that, accepting new
// connections waits.
type Dispatcher struct {
	registry Registry
	routes   map[wire.Opcode]route
	sem      chan struct{}
	timeout  time.Duration
	maxFrame int
	wg       sync.WaitGroup
}

func New(r Registry, opts Options) *Dispatcher {
	if opts.MaxHandlers <= 0 {
		opts.MaxHandlers = DefaultMaxHandlers
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = transport.DefaultRequestTimeout
	}
	d := &Dispatcher{
		registry: r,
		sem:      make(chan struct{}, opts.MaxHandlers),
		timeout:  opts.RequestTimeout,
		maxFrame: opts.MaxFrameSize,
	}
	d.routes = d.table()
	return d
}

// Serve accepts connections from l until ctx is done, then waits for the
// requests in progress.
func (d *Dispatcher) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	defer d.wg.Wait()

	var delay time.Duration
	for {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		conn, err := l.Accept()
		if err != nil {
			<-d.sem
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				log.Warnf("Accept error: %v; retrying in %v", err, delay)
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		d.wg.Add(1)
		go func(c net.Conn) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.ServeConn(ctx, c)
		}(conn)
	}
}

// ServeConn handles the single request carried by c and closes it.
func (d *Dispatcher) ServeConn(ctx context.Context, c net.Conn) {
	conn := wire.NewConn(c, d.maxFrame)
	defer conn.Close()

	start := time.Now()
	conn.SetDeadline(start.Add(d.timeout))
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	op, err := conn.ReadHeader()
	if err != nil {
		log.Debugf("Dropping connection from %v: %v", conn.RemoteAddr(), err)
		return
	}
	telemetry.InFlight.WithLabelValues(op.String()).Inc()
	defer telemetry.InFlight.WithLabelValues(op.String()).Dec()

	reply, err := d.dispatch(ctx, conn, op)
	telemetry.ObserveRequest(op.String(), start, err)
	if err != nil {
		log.WithFields(log.Fields{"op": op.String(), "remote": conn.RemoteAddr().String()}).Debugf("Request failed: %v", err)
	}
	if werr := conn.WriteReply(err, reply); werr != nil {
		log.Debugf("Failed to reply to %v: %v", conn.RemoteAddr(), werr)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, conn *wire.Conn, op wire.Opcode) (wire.Message, error) {
	r, ok := d.routes[op]
	if !ok {
		return nil, errors.Wrapf(wire.ErrUnknownOpcode, "%v", op)
	}
	req := r.request()
	if err := conn.Receive(req); err != nil {
		return nil, errors.Wrapf(err, "reading %v request", op)
	}
	return r.serve(ctx, req)
}
