package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/tilewire/"

// EtcdRegistry stores instances in etcd.
//
//	Key:   /tilewire/{service}/{addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL leases: a worker that dies without deregistering disappears once
// its lease expires.
type EtcdRegistry struct {
	client *clientv3.Client
	log    *logrus.Entry
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &EtcdRegistry{
		client: c,
		log:    logrus.WithField("component", "registry"),
	}, nil
}

func serviceKey(service string) string {
	return keyPrefix + service + "/"
}

// Register puts the instance under a lease of ttl seconds and keeps the lease alive
// until ctx is cancelled.
//
// leaseID stays local so one EtcdRegistry can be shared by several workers.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, serviceKey(service)+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return errors.Wrapf(err, "register %s", instance.Addr)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep lease alive")
	}

	// Drain keepalive responses so the channel never fills up
	go func() {
		for range ch {
		}
		r.log.WithField("addr", instance.Addr).Debug("Lease keepalive stopped")
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	_, err := r.client.Delete(ctx, serviceKey(service)+addr)
	return errors.Wrapf(err, "deregister %s", addr)
}

// Watch emits the full instance list whenever anything under the service prefix changes.
// The channel closes when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, serviceKey(service), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.log.WithError(err).Warn("Failed to refresh instances")
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, serviceKey(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", service)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.WithField("key", string(kv.Key)).Warn("Skipping malformed instance")
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
