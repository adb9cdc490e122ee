// Package server runs the server side of a tasksocket endpoint: it accepts
// peers, receives from all of them, and broadcasts commands to all of them.
//
// Three loops run under one errgroup and share one cancellation context:
//
//	accept loop   transport.Listen → registry.Add
//	receive loop  every pass: one bounded receive per Active connection, in
//	              parallel on the worker pool → backlog → middleware → Receiver
//	send loop     outbox → Broadcast
//
// A failing listening socket ends all three and surfaces from Wait. A failing
// peer only tears down that peer.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tasksocket/archive"
	"tasksocket/codec"
	"tasksocket/command"
	"tasksocket/config"
	"tasksocket/discovery"
	"tasksocket/metrics"
	"tasksocket/middleware"
	"tasksocket/registry"
	"tasksocket/result"
	"tasksocket/transport"
)

const (
	DefaultWorkers    = 64
	DefaultOutboxSize = 128

	// TTL of the discovery registration; renewed while the server runs.
	registrationTTL = 10
)

var (
	ErrRunning    = errors.New("server: already started")
	ErrNotRunning = errors.New("server: not running")
	ErrOutboxFull = errors.New("server: outbox full")
)

// Option configures a Server.
type Option func(*Server)

func WithConfig(cfg *config.Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCatalog sets the known command types. Received commands whose name has
// a registered Receiver are dispatched to it.
func WithCatalog(c *command.Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

// WithArchive stores the backlog of every torn-down connection in a.
func WithArchive(a *archive.Archive) Option {
	return func(s *Server) { s.archive = a }
}

// WithDiscovery registers the server under service while it runs.
// advertise is the address peers should dial; empty means the listen address.
func WithDiscovery(d discovery.Discovery, service, advertise string) Option {
	return func(s *Server) {
		s.disc = d
		s.service = service
		s.advertise = advertise
	}
}

// WithWorkers sets the size of the pool used for parallel receive and send.
func WithWorkers(n int) Option {
	return func(s *Server) { s.workers = n }
}

// WithOutbox sets the capacity of the Enqueue buffer.
func WithOutbox(n int) Option {
	return func(s *Server) { s.outboxSize = n }
}

// Server is a multi-peer tasksocket endpoint.
type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics // nil-safe
	catalog    *command.Catalog
	archive    *archive.Archive
	disc       discovery.Discovery
	service    string
	advertise  string
	workers    int
	outboxSize int

	conns       *registry.Registry
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	started      atomic.Bool
	running      atomic.Bool
	shutdown     atomic.Bool // Set before the listener closes so Accept errors are expected
	listener     net.Listener
	pool         *ants.Pool
	outbox       chan command.Command
	cancel       context.CancelFunc
	done         chan struct{}
	waitErr      error
	teardownOnce sync.Once
	deregOnce    sync.Once
}

// NewServer returns a stopped server.
func NewServer(opts ...Option) *Server {
	s := &Server{
		workers:    DefaultWorkers,
		outboxSize: DefaultOutboxSize,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg == nil {
		s.cfg = config.New()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.catalog == nil {
		s.catalog = command.NewCatalog()
	}
	s.conns = registry.New(
		registry.WithLogger(s.logger),
		registry.OnRemove(s.onRemoved),
	)
	return s
}

// Use registers a middleware for received commands. Middlewares run in the
// order they are added and must be registered before Start.
//
// The chain runs on the receive loop, between two receive passes, which keeps
// each connection's commands in arrival order. A middleware that waits, such
// as RetryMiddleware backing off or TimeoutMiddleware on a slow Receiver,
// delays the next pass for every connection.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Start binds address, registers with discovery and launches the loops. It
// returns once the server accepts peers. Cancelling ctx stops the loops like
// Stop does, without a bound on the wait.
func (s *Server) Start(ctx context.Context, network, address string) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer func() {
		if err != nil {
			s.started.Store(false)
		}
	}()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return err
	}
	s.listener = ln

	pool, err := ants.NewPool(s.workers, ants.WithPanicHandler(func(p any) {
		s.logger.Error("worker panic", zap.Any("panic", p))
	}))
	if err != nil {
		ln.Close()
		return fmt.Errorf("server: worker pool: %w", err)
	}
	s.pool = pool

	// Build the chain once, not per command.
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	s.outbox = make(chan command.Command, s.outboxSize)

	if s.disc != nil {
		if s.advertise == "" {
			s.advertise = ln.Addr().String()
		}
		inst := discovery.Instance{Addr: s.advertise, Weight: 1}
		if err = s.disc.Register(ctx, s.service, inst, registrationTTL); err != nil {
			pool.Release()
			ln.Close()
			return fmt.Errorf("server: register %q: %w", s.service, err)
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	context.AfterFunc(gctx, func() {
		s.shutdown.Store(true)
		ln.Close()
	})

	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error { return s.receiveLoop(gctx) })
	g.Go(func() error { return s.sendLoop(gctx) })

	s.running.Store(true)
	s.logger.Info("server started", zap.Stringer("addr", ln.Addr()),
		zap.Int("buffer", s.cfg.BufferSize()), zap.String("encoding", s.cfg.EncodingName()),
		zap.Stringer("framing", s.cfg.Framing()))

	go func() {
		s.waitErr = g.Wait()
		s.teardown()
		close(s.done)
	}()
	return nil
}

// Serve is Start followed by Wait.
func (s *Server) Serve(ctx context.Context, network, address string) error {
	if err := s.Start(ctx, network, address); err != nil {
		return err
	}
	return s.Wait()
}

// Wait blocks until the loops ended and the connections are torn down. It
// returns the fatal error that ended the server, or nil after Stop.
func (s *Server) Wait() error {
	if !s.started.Load() {
		return ErrNotRunning
	}
	<-s.done
	return s.waitErr
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Running reports whether the loops are up.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Stop shuts the server down:
//  1. Deregister from discovery, so clients stop picking this server
//  2. Set the shutdown flag, then close the listener (via cancel)
//  3. Wait for the loops, at most timeout
//  4. Tear down every connection and release the pool, exactly once
//
// Stop is idempotent.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.started.Load() {
		return ErrNotRunning
	}
	s.deregister(timeout)
	s.shutdown.Store(true)
	s.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-timer.C:
		// Closing the connections unblocks loops stuck in a read.
		s.teardown()
		return fmt.Errorf("server: loops still running after %s", timeout)
	}
}

func (s *Server) teardown() {
	s.teardownOnce.Do(func() {
		s.running.Store(false)
		s.deregister(s.cfg.Timeouts().Send)
		s.listener.Close()
		if err := s.conns.Close(); err != nil {
			s.logger.Warn("connection teardown", zap.Error(err))
		}
		s.pool.Release()
		s.logger.Info("server stopped", zap.Stringer("addr", s.listener.Addr()))
	})
}

func (s *Server) deregister(timeout time.Duration) {
	if s.disc == nil {
		return
	}
	s.deregOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.disc.Deregister(ctx, s.service, s.advertise); err != nil {
			s.logger.Warn("deregister", zap.String("service", s.service), zap.Error(err))
		}
	})
}

// acceptLoop registers every accepted peer. Each accept is bounded by the
// listen timeout; an idle period just starts the next accept. Any other
// failure outside of shutdown is fatal for the whole server.
func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		r := transport.ListenTimeout(s.listener, s.cfg.Timeouts().Listen)
		if r.Failure() {
			if s.shutdown.Load() || ctx.Err() != nil {
				return nil
			}
			if r.Kind() == result.KindTimeout {
				continue
			}
			s.metrics.Failure("accept", r.Kind().String())
			s.logger.Error("accept failed", zap.String("error", r.Error()))
			return r.Err()
		}
		e := s.conns.Add(r.Value())
		s.metrics.ConnAccepted()
		s.logger.Info("connection accepted", zap.Stringer("conn", e.ID()), zap.String("remote", e.RemoteAddr()))
	}
}

// receiveLoop runs receive passes until ctx is done. A pass waits for every
// receive it started, so there is never more than one outstanding receive per
// connection and each backlog stays in arrival order.
func (s *Server) receiveLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		entries := s.conns.Active()
		if len(entries) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.PollInterval()):
			}
			continue
		}

		outcomes := make([]outcome, len(entries))
		var wg sync.WaitGroup
		for i, e := range entries {
			wg.Add(1)
			err := s.pool.Submit(func() {
				defer wg.Done()
				outcomes[i] = s.receiveFrom(e)
			})
			if err != nil {
				wg.Done()
				if errors.Is(err, ants.ErrPoolClosed) {
					wg.Wait()
					return nil
				}
				s.logger.Warn("submit receive", zap.Stringer("conn", e.ID()), zap.Error(err))
			}
		}
		wg.Wait()

		for i := range outcomes {
			s.handleOutcome(ctx, entries[i], outcomes[i])
		}
	}
	return nil
}

// sendLoop broadcasts enqueued commands in order.
func (s *Server) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.outbox:
			report, err := s.Broadcast(ctx, cmd)
			if err != nil {
				s.logger.Warn("broadcast", zap.String("command", cmd.Name()), zap.Error(err))
				continue
			}
			s.logger.Debug("broadcast", zap.String("command", cmd.Name()),
				zap.Int("delivered", len(report.Delivered())), zap.Int("failed", len(report.Failed())))
		}
	}
}

// Enqueue hands cmd to the send loop without waiting for the broadcast.
func (s *Server) Enqueue(cmd command.Command) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	select {
	case s.outbox <- cmd:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Connections returns the identifiers of the Active connections, oldest first.
func (s *Server) Connections() []registry.ID {
	return s.conns.IDs()
}

// Backlog returns the received messages of id in arrival order.
func (s *Server) Backlog(id registry.ID) ([]string, error) {
	return s.conns.Backlog(id)
}

// Disconnect tears down the connection id.
func (s *Server) Disconnect(id registry.ID) error {
	return s.conns.Remove(id)
}

// onRemoved runs once per torn-down connection.
func (s *Server) onRemoved(e *registry.Entry) {
	s.metrics.ConnRemoved()
	s.logger.Info("connection closed", zap.Stringer("conn", e.ID()), zap.String("remote", e.RemoteAddr()))
	if s.archive == nil {
		return
	}
	err := s.archive.Store(archive.Session{
		ID:         e.ID().String(),
		RemoteAddr: e.RemoteAddr(),
		AcceptedAt: e.AcceptedAt(),
		RemovedAt:  time.Now(),
		Backlog:    e.Backlog(),
	})
	if err != nil {
		s.logger.Warn("archive backlog", zap.Stringer("conn", e.ID()), zap.Error(err))
	}
}

// drop tears e down after a failed operation.
func (s *Server) drop(e *registry.Entry, op string, r result.Status) {
	s.metrics.Failure(op, r.Kind().String())
	s.logger.Warn(op+" failed", zap.Stringer("conn", e.ID()), zap.String("error", r.Error()))
	if err := s.conns.Remove(e.ID()); err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.logger.Warn("teardown", zap.Stringer("conn", e.ID()), zap.Error(err))
	}
}

func (s *Server) codec() *codec.Codec {
	return codec.New(s.cfg.Encoding())
}
