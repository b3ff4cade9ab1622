// Package server hosts listeners for worker contexts.
//
// Event processing pipeline:
//
//	Accept conn → ConnChannel → rpc.Attach (single goroutine reads frames)
//	  → for each event: engine runs every listener on its own goroutine
//	    → Middleware Chain → listener → Response written by the engine
//
// The same listeners can be served to in-process workers through ServeChannel.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"tilewire/codec"
	"tilewire/middleware"
	"tilewire/registry"
	"tilewire/rpc"
	"tilewire/transport"
)

// DefaultService is the registry service name workers announce themselves under.
const DefaultService = "tilewire.worker"

const drainPoll = 5 * time.Millisecond

// ErrShutdown is returned by ServeChannel once Shutdown has started.
var ErrShutdown = errors.New("server is shut down")

type handler struct {
	event string
	fn    rpc.Listener
}

// Server hosts listeners. Handle, Register and Use must be called before the first
// channel is served; engines pick up the listener set at the time they are created.
type Server struct {
	mu          sync.Mutex
	handlers    []handler
	middlewares []func(event string) middleware.Middleware
	engines     map[*rpc.Engine]struct{}

	shutdown atomic.Bool // Set under mu, before the listener closes, so Accept errors read as intentional
	listener net.Listener

	// Guarded by mu
	registry      registry.Registry
	advertiseAddr string // Address announced in the registry; must be routable, unlike ":8080"
	cancelLease   context.CancelFunc

	service string

	codec     codec.CodecType
	heartbeat time.Duration
	log       *logrus.Entry
}

type Option func(*Server)

// WithCodec sets the codec used for frames the server writes.
func WithCodec(t codec.CodecType) Option {
	return func(s *Server) {
		s.codec = t
	}
}

// WithHeartbeat enables heartbeat frames on accepted connections.
func WithHeartbeat(interval time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = interval
	}
}

func WithService(name string) Option {
	return func(s *Server) {
		s.service = name
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *Server) {
		s.log = log
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		engines: make(map[*rpc.Engine]struct{}),
		service: DefaultService,
		codec:   codec.CodecTypeBinary,
		log:     logrus.WithField("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle adds a listener for event. Several listeners for one event all run, and the
// caller receives every result.
func (s *Server) Handle(event string, fn rpc.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler{event: event, fn: fn})
}

// Register exposes the exported methods of rcvr (e.g. &Arith{}) that match the
// signature func(ctx, *Args, *Reply) error as "Type.Method" events.
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	if len(svc.method) == 0 {
		return errors.Errorf("%s has no exported method of the form func(context.Context, *Args, *Reply) error", svc.name)
	}
	for name, mt := range svc.method {
		s.Handle(svc.name+"."+name, svc.listener(mt))
	}
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.UseEvent(func(string) middleware.Middleware { return mw })
}

// UseEvent registers a middleware built per event, for middlewares that need the event
// name (e.g. LoggingMiddleware). It shares ordering with Use.
func (s *Server) UseEvent(build func(event string) middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, build)
}

// ServeChannel creates a worker engine on ch with every registered listener installed.
// The engine lives until the channel fails or the server shuts down.
func (s *Server) ServeChannel(ch transport.Channel) (*rpc.Engine, error) {
	if s.shutdown.Load() {
		ch.Close()
		return nil, ErrShutdown
	}

	s.mu.Lock()
	handlers := append([]handler(nil), s.handlers...)
	builders := append([]func(string) middleware.Middleware(nil), s.middlewares...)
	s.mu.Unlock()
	chain := func(event string, fn rpc.Listener) rpc.Listener {
		mws := make([]middleware.Middleware, len(builders))
		for i, build := range builders {
			mws[i] = build(event)
		}
		return middleware.Chain(mws...)(fn)
	}

	e := rpc.Attach(ch, rpc.WithLogger(s.log.WithField("role", "worker")))
	for _, h := range handlers {
		if _, err := e.On(h.event, chain(h.event, h.fn)); err != nil {
			e.Close()
			return nil, err
		}
	}

	s.mu.Lock()
	s.engines[e] = struct{}{}
	s.mu.Unlock()
	go func() {
		<-e.Done()
		s.mu.Lock()
		delete(s.engines, e)
		s.mu.Unlock()
	}()
	return e, nil
}

func (s *Server) liveEngines() []*rpc.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	engines := make([]*rpc.Engine, 0, len(s.engines))
	for e := range s.engines {
		engines = append(engines, e)
	}
	return engines
}

// busy reports whether any engine still has an event without a written response.
func (s *Server) busy() bool {
	for _, e := range s.liveEngines() {
		if e.Handling() > 0 {
			return true
		}
	}
	return false
}

// Serve listens on address and serves every accepted connection.
func (s *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "listen %s", address)
	}
	return s.ServeListener(l, advertiseAddr, reg)
}

// ServeListener announces advertiseAddr in reg (nil skips discovery) and enters the
// accept loop. It returns nil after Shutdown, and right away if Shutdown came first.
func (s *Server) ServeListener(l net.Listener, advertiseAddr string, reg registry.Registry) error {
	if advertiseAddr == "" {
		advertiseAddr = l.Addr().String()
	}
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listener = l
	s.advertiseAddr = advertiseAddr
	s.mu.Unlock()

	if reg != nil {
		// The lease stays alive until Shutdown cancels it
		ctx, cancel := context.WithCancel(context.Background())
		err := reg.Register(ctx, s.service, registry.Instance{
			Addr:  advertiseAddr,
			Codec: s.codec.String(),
		}, 10)
		if err != nil {
			cancel()
			l.Close()
			return errors.Wrap(err, "announce worker")
		}

		s.mu.Lock()
		if s.shutdown.Load() {
			// Shutdown already ran and found nothing to deregister
			s.mu.Unlock()
			err := reg.Deregister(context.Background(), s.service, advertiseAddr)
			cancel()
			return err
		}
		s.registry = reg
		s.cancelLease = cancel
		s.mu.Unlock()
	}
	s.log.WithField("addr", advertiseAddr).Info("Worker serving")

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		if _, err := s.ServeChannel(transport.NewConnChannel(conn, s.codec, s.heartbeat)); err != nil {
			s.log.WithError(err).WithField("peer", conn.RemoteAddr()).Warn("Refused connection")
		}
	}
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag
//  2. Deregister from the registry, so orchestrators stop dialing this worker, and close
//     the listener
//  3. Wait for in-flight events to be answered (with timeout)
//  4. Close every engine, failing whatever the workers still had outstanding
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	l := s.listener
	reg, addr, cancelLease := s.registry, s.advertiseAddr, s.cancelLease
	s.registry, s.cancelLease = nil, nil
	s.mu.Unlock()

	var err error
	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = multierr.Append(err, reg.Deregister(ctx, s.service, addr))
		cancel()
		cancelLease()
	}
	if l != nil {
		err = multierr.Append(err, l.Close())
	}

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	deadline := time.After(timeout)
wait:
	for s.busy() {
		select {
		case <-ticker.C:
		case <-deadline:
			err = multierr.Append(err, errors.Errorf("timeout waiting for listeners after %s", timeout))
			break wait
		}
	}

	for _, e := range s.liveEngines() {
		err = multierr.Append(err, e.Close())
	}
	return err
}
