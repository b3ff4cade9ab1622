// Package registry announces TCP workers and lets orchestrators find them.
package registry

import "context"

// Instance describes one running worker.
type Instance struct {
	Addr    string `json:"addr"`
	Codec   string `json:"codec"` // wire codec the worker speaks ("json" or "binary")
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	Watch(ctx context.Context, service string) <-chan []Instance
}
