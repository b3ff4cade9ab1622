// Package rpc implements the call/response/callback protocol that runs on top of one
// transport.Channel between an orchestrator and a worker context.
//
// Every Event gets exactly one Response. Responses are matched by id through a keyed
// lookup, so a slow response never holds up a faster one:
//
//	Call(id=1) ──Event──┐                      ┌── listener A ─┐
//	Call(id=2) ──Event──┼──→ channel ──→ peer ─┤               ├─→ one Response per id
//	                    │                      └── listener B ─┘
//	pending[2] ←── Response(id=2) ←── arrives first, resolves call 2 only
//
// Functions passed as call arguments never cross the channel. Each is replaced by a
// placeholder, registered on a sub-engine owned by the pending call, and the callee gets a
// Callback stub bound to a peer sub-engine. Traffic between the two sub-engines travels in
// Proxy messages tagged with the parent call id.
package rpc

import (
	"context"
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"tilewire/codec"
	"tilewire/future"
	"tilewire/message"
	"tilewire/transport"
)

// Listener handles one inbound event. The context is cancelled when the engine closes.
type Listener func(ctx context.Context, args *Args) (any, error)

// ListenerID identifies a registration for Off.
type ListenerID uint64

// DefaultIDCeiling is where the call id counter wraps back to zero.
//
// Ids are only unique among calls pending at the same time, which holds as long as the
// number of calls in flight stays far below the ceiling. A collision is detected and
// rejected with ErrDuplicateID, never resolved with another call's response.
const DefaultIDCeiling uint32 = math.MaxUint32

type pendingCall struct {
	id     uint32
	event  string
	future *Future
	sub    *Engine // Owns the caller's callbacks, nil when the call has none
}

type listenerEntry struct {
	id   ListenerID
	fn   Listener
	once bool
}

// Engine is one end of the protocol.
type Engine struct {
	send      func(*message.Message) error
	log       *logrus.Entry
	idCeiling uint32
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	onClose   []func() error
	handling  atomic.Int64 // Inbound events whose response has not been sent yet

	mu             sync.Mutex
	closed         bool
	lastID         uint32
	lastListenerID ListenerID
	pending        map[uint32]*pendingCall // Calls this engine made, by id
	peers          map[uint32]*Engine      // Sub-engines serving a remote caller's callbacks, by id
	listeners      map[string][]*listenerEntry
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the log entry the engine reports protocol and listener errors to.
func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithIDCeiling lowers the value at which call ids wrap.
func WithIDCeiling(ceiling uint32) Option {
	return func(e *Engine) {
		if ceiling > 0 {
			e.idCeiling = ceiling
		}
	}
}

// New creates an engine that writes outbound messages with send. Inbound messages must be
// handed to Deliver by the owner of the channel.
func New(send func(*message.Message) error, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		send:      send,
		log:       logrus.WithField("component", "rpc"),
		idCeiling: DefaultIDCeiling,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		pending:   make(map[uint32]*pendingCall),
		peers:     make(map[uint32]*Engine),
		listeners: make(map[string][]*listenerEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attach creates an engine on ch and starts the goroutine that reads it. The engine
// closes when the channel fails, and closing the engine closes the channel.
func Attach(ch transport.Channel, opts ...Option) *Engine {
	e := New(ch.Send, opts...)
	e.onClose = append(e.onClose, ch.Close)
	go e.recvLoop(ch)
	return e
}

// recvLoop is the only reader of the channel. It never writes: events are handled on
// their own goroutines, responses and proxies only resolve local state.
func (e *Engine) recvLoop(ch transport.Channel) {
	for {
		msg, err := ch.Recv()
		if err != nil {
			if !e.Closed() {
				e.log.WithError(err).Debug("Channel closed, closing engine")
			}
			e.Close()
			return
		}
		e.Deliver(msg)
	}
}

// child creates a sub-engine whose outbound messages are wrapped in proxies.
func (e *Engine) child(id uint32, side message.Side) *Engine {
	send := func(msg *message.Message) error {
		return e.send(message.NewProxy(id, side, msg))
	}
	return New(send, WithLogger(e.log.WithField("parent", id)), WithIDCeiling(e.idCeiling))
}

func callbackEvent(i int) string {
	return "__fn" + strconv.Itoa(i)
}

func asListener(arg any) (Listener, bool) {
	switch fn := arg.(type) {
	case Listener:
		return fn, true
	case func(context.Context, *Args) (any, error):
		return fn, true
	}
	return nil, false
}

func (e *Engine) nextIDLocked() uint32 {
	if e.lastID >= e.idCeiling {
		e.lastID = 0
	}
	id := e.lastID
	e.lastID++
	return id
}

// Call sends event with args and returns a future resolved by the matching Response.
//
// Arguments of type Listener (or the equivalent func literal) are callbacks: the remote
// listener can invoke them any number of times until the call completes. A Response with
// one result resolves to that result, several to the list; see Reply.Decode. Remote
// errors reject the future with *RemoteError (combined with multierr when there are
// several). Calls on a closed engine fail at once without sending anything.
func (e *Engine) Call(event string, args ...any) *Future {
	values := make([]message.Value, len(args))
	var callbacks []int
	var fns []Listener
	for i, arg := range args {
		if fn, ok := asListener(arg); ok {
			if fn == nil {
				values[i] = message.Value{Data: []byte("null")}
				continue
			}
			callbacks = append(callbacks, i)
			fns = append(fns, fn)
			continue
		}
		val, err := codec.MarshalValue(arg)
		if err != nil {
			return future.Failed[*Reply](errors.Wrapf(err, "%s: argument %d", event, i))
		}
		values[i] = val
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return future.Failed[*Reply](errors.Wrapf(ErrClosed, "call %s", event))
	}
	id := e.nextIDLocked()
	if _, dup := e.pending[id]; dup {
		e.mu.Unlock()
		e.log.WithField("id", id).Warn("Call id still pending after wraparound")
		return future.Failed[*Reply](errors.Wrapf(ErrDuplicateID, "call %s (%d)", event, id))
	}
	pc := &pendingCall{id: id, event: event, future: future.New[*Reply]()}
	if len(fns) > 0 {
		pc.sub = e.child(id, message.ToCallee)
		for i, fn := range fns {
			pc.sub.On(callbackEvent(i), fn)
		}
	}
	// Register before sending so a fast response always finds its call
	e.pending[id] = pc
	e.mu.Unlock()

	if err := e.send(message.NewEvent(id, event, values, callbacks)); err != nil {
		e.mu.Lock()
		if e.pending[id] == pc {
			delete(e.pending, id)
		}
		e.mu.Unlock()
		if pc.sub != nil {
			pc.sub.Close()
		}
		pc.future.Reject(errors.Wrapf(err, "send %s", event))
	}
	return pc.future
}

// Deliver processes one inbound message. Messages for a closed engine are dropped.
func (e *Engine) Deliver(msg *message.Message) {
	if e.Closed() {
		e.log.WithFields(logrus.Fields{"kind": msg.Kind, "id": msg.ID}).Debug("Engine closed, dropping message")
		return
	}

	switch msg.Kind {
	case message.KindEvent:
		e.handleEvent(msg)
	case message.KindResponse:
		e.handleResponse(msg)
	case message.KindProxy:
		e.handleProxy(msg)
	default:
		e.protocolError(msg, "unknown message kind")
	}
}

func (e *Engine) protocolError(msg *message.Message, reason string) {
	e.log.WithError(&ProtocolError{Kind: msg.Kind, ID: msg.ID, Reason: reason}).Warn("Dropping message")
}

// handleEvent binds callbacks and picks the listeners synchronously, so the event sees
// exactly the registrations that existed when it arrived, then runs them asynchronously.
func (e *Engine) handleEvent(msg *message.Message) {
	args := &Args{values: msg.Args}

	e.mu.Lock()
	var peer *Engine
	if len(msg.Callbacks) > 0 {
		if _, dup := e.peers[msg.ID]; dup {
			e.mu.Unlock()
			e.protocolError(msg, "callback id collision")
			go e.respond(msg.ID, nil, []string{"call id collision"})
			return
		}
		peer = e.child(msg.ID, message.ToCaller)
		e.peers[msg.ID] = peer
		args.callbacks = make(map[int]*Callback, len(msg.Callbacks))
		for i, idx := range msg.Callbacks {
			args.callbacks[idx] = &Callback{engine: peer, event: callbackEvent(i)}
		}
	}
	entries := e.takeListenersLocked(msg.Event)
	ctx := e.ctx
	e.mu.Unlock()

	e.handling.Add(1)
	go e.runEvent(ctx, msg, args, peer, entries)
}

type outcome struct {
	val any
	err error
}

func (e *Engine) runEvent(ctx context.Context, msg *message.Message, args *Args, peer *Engine, entries []*listenerEntry) {
	defer e.handling.Add(-1)
	if len(entries) == 0 {
		e.log.WithField("event", msg.Event).Warn("No listeners for event")
	}

	// Every listener runs to completion independently; one failing cancels nothing
	outs := make([]outcome, len(entries))
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, fn Listener) {
			defer wg.Done()
			outs[i].val, outs[i].err = invoke(ctx, fn, args)
		}(i, entry.fn)
	}
	wg.Wait()

	var results []message.Value
	var errs []string
	for i, out := range outs {
		err := out.err
		if err == nil {
			var val message.Value
			if val, err = codec.MarshalValue(out.val); err == nil {
				results = append(results, val)
				continue
			}
		}
		e.log.WithError(&ListenerError{Event: msg.Event, Index: i, Err: err}).Warn("Listener failed")
		errs = append(errs, err.Error())
	}

	if peer != nil {
		peer.Close()
		e.mu.Lock()
		if e.peers[msg.ID] == peer {
			delete(e.peers, msg.ID)
		}
		e.mu.Unlock()
	}

	e.respond(msg.ID, results, errs)
}

func (e *Engine) respond(id uint32, results []message.Value, errs []string) {
	if e.Closed() {
		e.log.WithField("id", id).Debug("Engine closed before response could be sent")
		return
	}
	if err := e.send(message.NewResponse(id, results, errs)); err != nil {
		e.log.WithError(err).WithField("id", id).Warn("Failed to send response")
	}
}

func invoke(ctx context.Context, fn Listener, args *Args) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("listener panicked: %v", r)
		}
	}()
	return fn(ctx, args)
}

func (e *Engine) handleResponse(msg *message.Message) {
	e.mu.Lock()
	pc, ok := e.pending[msg.ID]
	if ok {
		delete(e.pending, msg.ID)
	}
	e.mu.Unlock()

	if !ok {
		e.protocolError(msg, "no pending call")
		return
	}
	if pc.sub != nil {
		pc.sub.Close()
	}
	if len(msg.Errors) > 0 {
		pc.future.Reject(remoteErrors(pc.event, msg.Errors))
		return
	}
	pc.future.Resolve(&Reply{Event: pc.event, Results: msg.Results})
}

func (e *Engine) handleProxy(msg *message.Message) {
	e.mu.Lock()
	var target *Engine
	switch msg.Side {
	case message.ToCallee:
		target = e.peers[msg.ID]
	case message.ToCaller:
		if pc, ok := e.pending[msg.ID]; ok {
			target = pc.sub
		}
	}
	e.mu.Unlock()

	if target == nil || msg.Message == nil {
		e.protocolError(msg, "no sub-handler for proxy")
		return
	}
	target.Deliver(msg.Message)
}

// On registers fn for event.
func (e *Engine) On(event string, fn Listener) (ListenerID, error) {
	return e.addListener(event, fn, false)
}

// Once registers fn for event and removes it as soon as an event is routed to it.
func (e *Engine) Once(event string, fn Listener) (ListenerID, error) {
	return e.addListener(event, fn, true)
}

func (e *Engine) addListener(event string, fn Listener, once bool) (ListenerID, error) {
	if fn == nil {
		return 0, errors.Errorf("nil listener for %q", event)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, errors.Wrapf(ErrClosed, "listen %s", event)
	}
	e.lastListenerID++
	id := e.lastListenerID
	e.listeners[event] = append(e.listeners[event], &listenerEntry{id: id, fn: fn, once: once})
	return id, nil
}

// Off removes a registration. It reports whether one was removed.
func (e *Engine) Off(event string, id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.listeners[event]
	for i, entry := range entries {
		if entry.id == id {
			e.setListenersLocked(event, append(entries[:i:i], entries[i+1:]...))
			return true
		}
	}
	return false
}

// takeListenersLocked snapshots the listeners for event and drops once-registrations.
func (e *Engine) takeListenersLocked(event string) []*listenerEntry {
	entries := e.listeners[event]
	if len(entries) == 0 {
		return nil
	}
	snapshot := make([]*listenerEntry, len(entries))
	copy(snapshot, entries)

	kept := entries[:0:0]
	for _, entry := range entries {
		if !entry.once {
			kept = append(kept, entry)
		}
	}
	e.setListenersLocked(event, kept)
	return snapshot
}

func (e *Engine) setListenersLocked(event string, entries []*listenerEntry) {
	if len(entries) == 0 {
		delete(e.listeners, event)
		return
	}
	e.listeners[event] = entries
}

// Pending returns the number of calls awaiting a response.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Handling returns the number of inbound events still being processed, counting until
// their response is written.
func (e *Engine) Handling() int {
	return int(e.handling.Load())
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Done is closed when the engine has finished closing.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Close fails every pending call with ErrClosed, closes all sub-engines, drops all
// listeners and closes the channel. It is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pending, peers := e.pending, e.peers
	e.pending = make(map[uint32]*pendingCall)
	e.peers = make(map[uint32]*Engine)
	e.listeners = make(map[string][]*listenerEntry)
	e.mu.Unlock()

	e.cancel()
	for _, pc := range pending {
		if pc.sub != nil {
			pc.sub.Close()
		}
		pc.future.Reject(errors.Wrapf(ErrClosed, "call %s (%d)", pc.event, pc.id))
	}
	for _, peer := range peers {
		peer.Close()
	}

	var err error
	for _, fn := range e.onClose {
		err = multierr.Append(err, fn())
	}
	close(e.done)
	return err
}
