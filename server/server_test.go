package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilewire/codec"
	"tilewire/middleware"
	"tilewire/registry"
	"tilewire/rpc"
	"tilewire/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(ctx context.Context, args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Divide(ctx context.Context, args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// Not exported as an event: wrong shape
func (a *Arith) Reset() {}

// local serves srv over an in-process channel pair and returns the caller side.
func local(t *testing.T, srv *Server) *rpc.Engine {
	t.Helper()
	a, b := transport.LocalPair(16)
	_, err := srv.ServeChannel(b)
	require.NoError(t, err)
	caller := rpc.Attach(a)
	t.Cleanup(func() { caller.Close() })
	return caller
}

func TestRegister(t *testing.T) {
	srv := NewServer()
	require.NoError(t, srv.Register(&Arith{}))
	caller := local(t, srv)

	reply, err := caller.Call("Arith.Add", &Args{A: 1, B: 2}).Get()
	require.NoError(t, err)
	var out Reply
	require.NoError(t, reply.Decode(&out))
	assert.Equal(t, 3, out.Result)

	_, err = caller.Call("Arith.Divide", &Args{A: 1}).Get()
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "divide by zero", remote.Message)

	reply, err = caller.Call("Arith.Reset").Get()
	require.NoError(t, err)
	assert.Zero(t, reply.Len())
}

func TestRegisterRejectsInvalidReceiver(t *testing.T) {
	srv := NewServer()
	assert.Error(t, srv.Register(Arith{}))
	assert.Error(t, srv.Register(new(int)))
	assert.Error(t, srv.Register(&struct{}{}))
}

func TestMiddlewareApplied(t *testing.T) {
	srv := NewServer()
	srv.Use(middleware.RateLimitMiddleware(1, 1))
	srv.Handle("ping", func(ctx context.Context, args *rpc.Args) (any, error) {
		return "pong", nil
	})
	caller := local(t, srv)

	_, err := caller.Call("ping").Get()
	require.NoError(t, err)
	_, err = caller.Call("ping").Get()
	assert.ErrorContains(t, err, middleware.ErrRateLimited.Error())
}

func TestEventMiddlewareSeesOwnEvent(t *testing.T) {
	srv := NewServer()
	require.NoError(t, srv.Register(&Arith{}))
	srv.UseEvent(func(event string) middleware.Middleware {
		return func(next rpc.Listener) rpc.Listener {
			return func(ctx context.Context, args *rpc.Args) (any, error) {
				if event == "Arith.Divide" {
					return nil, errors.New("divide disabled")
				}
				return next(ctx, args)
			}
		}
	})
	caller := local(t, srv)

	reply, err := caller.Call("Arith.Add", &Args{A: 1, B: 2}).Get()
	require.NoError(t, err)
	var out Reply
	require.NoError(t, reply.Decode(&out))
	assert.Equal(t, 3, out.Result)

	_, err = caller.Call("Arith.Divide", &Args{A: 4, B: 2}).Get()
	assert.ErrorContains(t, err, "divide disabled")
}

func TestServeTCPAndShutdown(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	srv := NewServer(WithCodec(codec.CodecTypeJSON), WithHeartbeat(10*time.Millisecond), WithService("arith"))
	require.NoError(t, srv.Register(&Arith{}))

	release := make(chan struct{})
	srv.Handle("hold", func(ctx context.Context, args *rpc.Args) (any, error) {
		<-release
		return "released", nil
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.ServeListener(l, "", reg) }()

	require.Eventually(t, func() bool {
		instances, _ := reg.Discover(context.Background(), "arith")
		return len(instances) == 1
	}, time.Second, 5*time.Millisecond)
	instances, err := reg.Discover(context.Background(), "arith")
	require.NoError(t, err)
	assert.Equal(t, "json", instances[0].Codec)

	conn, err := net.Dial("tcp", instances[0].Addr)
	require.NoError(t, err)
	caller := rpc.Attach(transport.NewConnChannel(conn, codec.CodecTypeJSON, 0))
	defer caller.Close()

	reply, err := caller.Call("Arith.Add", &Args{A: 3, B: 5}).Get()
	require.NoError(t, err)
	var out Reply
	require.NoError(t, reply.Decode(&out))
	assert.Equal(t, 8, out.Result)

	// Shutdown waits for the in-flight listener
	held := caller.Call("hold")
	require.Eventually(t, func() bool { return srv.busy() }, time.Second, time.Millisecond)
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, srv.Shutdown(time.Second))
	require.NoError(t, <-served)

	reply, err = held.Get()
	require.NoError(t, err)
	var s string
	require.NoError(t, reply.Decode(&s))
	assert.Equal(t, "released", s)

	instances, err = reg.Discover(context.Background(), "arith")
	require.NoError(t, err)
	assert.Empty(t, instances)

	<-caller.Done()
	_, late := transport.LocalPair(1)
	_, err = srv.ServeChannel(late)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownBeforeServe(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	srv := NewServer(WithService("arith"))
	require.NoError(t, srv.Shutdown(time.Second))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.ServeListener(l, "", reg) }()

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		require.Fail(t, "serving after shutdown must return at once")
	}
	_, err = l.Accept()
	assert.Error(t, err, "listener is closed")
	instances, err := reg.Discover(context.Background(), "arith")
	require.NoError(t, err)
	assert.Empty(t, instances)
}
