// Package pool fans bulk work out over a fixed set of worker engines.
//
// Jobs wait in one FIFO queue. Whenever a worker frees up (and when jobs are submitted)
// the balancer picks which workers take the head of the queue; no worker ever holds more
// than the task limit at once.
package pool

import (
	"context"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"tilewire/future"
	"tilewire/loadbalance"
	"tilewire/rpc"
)

const DefaultTaskLimit = 2

// ErrCapacity fails queued jobs when the pool has no live worker to run them.
var ErrCapacity = errors.New("no workers available")

// WorkerFactory creates the orchestrator-side engine of worker number index.
type WorkerFactory func(ctx context.Context, index int) (*rpc.Engine, error)

// ArgProducer builds the arguments of job index. It runs when the job is dispatched, so
// expensive preparation is paid one job at a time.
type ArgProducer func(ctx context.Context, index int) ([]any, error)

// Static returns a producer for arguments that already exist.
func Static(args ...any) ArgProducer {
	return func(context.Context, int) ([]any, error) {
		return args, nil
	}
}

type slot struct {
	id     uuid.UUID
	index  int
	engine *rpc.Engine
	tasks  int
}

type job struct {
	event   string
	index   int
	produce ArgProducer
	future  *rpc.Future
}

type Pool struct {
	size     int
	limit    int
	factory  WorkerFactory
	balancer loadbalance.Balancer
	log      *logrus.Entry
	ctx      context.Context
	cancel   context.CancelFunc

	initMu sync.Mutex // Serializes Init so factories run outside mu

	mu          sync.Mutex
	initialized bool
	closed      bool
	slots       []*slot
	queue       []*job
}

type Option func(*Pool)

// WithSize sets the number of workers. Values below 1 keep the default.
func WithSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithTaskLimit caps the jobs in flight on one worker. Values below 1 keep the default.
func WithTaskLimit(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.limit = n
		}
	}
}

func WithBalancer(b loadbalance.Balancer) Option {
	return func(p *Pool) {
		p.balancer = b
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(p *Pool) {
		p.log = log
	}
}

// DefaultSize is the CPU count, but never less than two.
func DefaultSize() int {
	return max(runtime.NumCPU(), 2)
}

// New creates a pool. No worker is started until the first submission or Init.
func New(factory WorkerFactory, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		size:     DefaultSize(),
		limit:    DefaultTaskLimit,
		factory:  factory,
		balancer: &loadbalance.PyramidBalancer{},
		log:      logrus.WithField("component", "pool"),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Init starts the workers. It is a no-op once initialized or after Close. Workers the
// factory fails to create are left out; their errors are returned together, and the pool
// runs on whatever came up.
func (p *Pool) Init(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.mu.Lock()
	skip := p.initialized || p.closed
	p.mu.Unlock()
	if skip {
		return nil
	}

	var errs error
	slots := make([]*slot, 0, p.size)
	for i := 0; i < p.size; i++ {
		e, err := p.factory(ctx, i)
		if err != nil {
			p.log.WithError(err).WithField("worker", i).Warn("Failed to start worker")
			errs = multierr.Append(errs, errors.Wrapf(err, "worker %d", i))
			continue
		}
		slots = append(slots, &slot{id: uuid.New(), index: i, engine: e})
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, s := range slots {
			s.engine.Close()
		}
		return nil
	}
	p.slots = slots
	p.initialized = true
	p.mu.Unlock()

	for _, s := range slots {
		go p.watch(s)
	}
	p.log.WithFields(logrus.Fields{
		"workers":    len(slots),
		"task_limit": p.limit,
		"strategy":   p.balancer.Name(),
	}).Info("Worker pool started")
	return errs
}

// watch drops the slot from the live set once its engine closes.
func (p *Pool) watch(s *slot) {
	<-s.engine.Done()
	p.mu.Lock()
	removed := false
	for i, cur := range p.slots {
		if cur == s {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			removed = true
			break
		}
	}
	p.mu.Unlock()
	if removed {
		p.log.WithFields(logrus.Fields{"worker": s.index, "id": s.id}).Warn("Worker closed, removed from pool")
		p.dispatch()
	}
}

// SubmitBulk queues one job per producer and returns their futures in the same order.
// Each future settles on its own; one job failing never affects another. On a closed pool
// every future is already rejected.
func (p *Pool) SubmitBulk(event string, producers []ArgProducer) []*rpc.Future {
	futures := make([]*rpc.Future, len(producers))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for i := range futures {
			futures[i] = future.Failed[*rpc.Reply](errors.Wrapf(rpc.ErrClosed, "pool: %s", event))
		}
		return futures
	}
	for i, produce := range producers {
		if produce == nil {
			futures[i] = future.Failed[*rpc.Reply](errors.Errorf("job %d of %s has no argument producer", i, event))
			continue
		}
		futures[i] = future.New[*rpc.Reply]()
		p.queue = append(p.queue, &job{event: event, index: i, produce: produce, future: futures[i]})
	}
	initialized := p.initialized
	p.mu.Unlock()

	if initialized {
		p.dispatch()
	} else {
		go func() {
			p.Init(p.ctx)
			p.dispatch()
		}()
	}
	return futures
}

// dispatch hands queued jobs to workers with spare capacity.
func (p *Pool) dispatch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.initialized || len(p.queue) == 0 {
		return
	}

	if len(p.slots) == 0 {
		p.log.WithField("jobs", len(p.queue)).Error("No live workers, failing queued jobs")
		for _, j := range p.queue {
			j.future.Reject(errors.Wrapf(ErrCapacity, "job %d of %s", j.index, j.event))
		}
		p.queue = nil
		return
	}

	load := make([]int, len(p.slots))
	for i, s := range p.slots {
		load[i] = s.tasks
	}
	for _, w := range p.balancer.Assign(load, p.limit, len(p.queue)) {
		j := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		s := p.slots[w]
		s.tasks++
		go p.run(s, j)
	}
}

func (p *Pool) run(s *slot, j *job) {
	defer func() {
		p.mu.Lock()
		s.tasks--
		p.mu.Unlock()
		p.dispatch()
	}()

	args, err := prepare(p.ctx, j)
	if err != nil {
		j.future.Reject(errors.Wrapf(err, "prepare job %d", j.index))
		return
	}
	reply, err := s.engine.Call(j.event, args...).Get()
	if err != nil {
		j.future.Reject(err)
		return
	}
	j.future.Resolve(reply)
}

func prepare(ctx context.Context, j *job) (args []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("argument producer panicked: %v", r)
		}
	}()
	return j.produce(ctx, j.index)
}

// Workers returns the number of live workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Queued returns the number of jobs not yet dispatched.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close closes every worker engine and rejects jobs still queued. Jobs already running
// on a worker are failed by their engine closing. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.log.Debug("Pool already closed")
		return nil
	}
	p.closed = true
	slots, queue := p.slots, p.queue
	p.slots, p.queue = nil, nil
	p.mu.Unlock()

	p.cancel()
	for _, j := range queue {
		j.future.Reject(errors.Wrapf(rpc.ErrClosed, "pool: job %d of %s", j.index, j.event))
	}
	var err error
	for _, s := range slots {
		err = multierr.Append(err, s.engine.Close())
	}
	return err
}
