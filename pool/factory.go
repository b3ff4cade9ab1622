package pool

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"tilewire/codec"
	"tilewire/registry"
	"tilewire/rpc"
	"tilewire/server"
	"tilewire/transport"
)

// localBuffer is the queue depth of each in-process channel direction.
const localBuffer = 64

// LocalWorkers runs every worker in process, each on its own channel pair served by srv.
func LocalWorkers(srv *server.Server) WorkerFactory {
	return func(ctx context.Context, index int) (*rpc.Engine, error) {
		a, b := transport.LocalPair(localBuffer)
		if _, err := srv.ServeChannel(b); err != nil {
			a.Close()
			return nil, err
		}
		return rpc.Attach(a), nil
	}
}

// DialWorkers connects worker i to addrs[i % len(addrs)], so several slots can share one
// worker process.
func DialWorkers(addrs []string, codecType codec.CodecType, heartbeat time.Duration) WorkerFactory {
	return func(ctx context.Context, index int) (*rpc.Engine, error) {
		if len(addrs) == 0 {
			return nil, errors.New("no worker addresses")
		}
		return dial(ctx, addrs[index%len(addrs)], codecType, heartbeat)
	}
}

// RemoteWorkers looks the workers up in reg. Slots are spread over the instances
// registered at the time each slot starts, and every slot speaks its instance's codec.
func RemoteWorkers(reg registry.Registry, service string, heartbeat time.Duration) WorkerFactory {
	return func(ctx context.Context, index int) (*rpc.Engine, error) {
		instances, err := reg.Discover(ctx, service)
		if err != nil {
			return nil, err
		}
		if len(instances) == 0 {
			return nil, errors.Errorf("no %s instances registered", service)
		}
		inst := instances[index%len(instances)]
		codecType, ok := codec.ParseCodecType(inst.Codec)
		if !ok {
			return nil, errors.Errorf("instance %s: unknown codec %q", inst.Addr, inst.Codec)
		}
		return dial(ctx, inst.Addr, codecType, heartbeat)
	}
}

func dial(ctx context.Context, addr string, codecType codec.CodecType, heartbeat time.Duration) (*rpc.Engine, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial worker %s", addr)
	}
	return rpc.Attach(transport.NewConnChannel(conn, codecType, heartbeat)), nil
}
