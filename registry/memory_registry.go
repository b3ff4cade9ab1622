package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry keeps instances in process. It serves single-host setups and tests;
// ttl is ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Instance
	watchers map[string][]chan []Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, service string, instance Instance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[service] == nil {
		r.services[service] = make(map[string]Instance)
	}
	r.services[service][instance.Addr] = instance
	r.notifyLocked(service)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[service], addr)
	r.notifyLocked(service)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.watchers[service]
		for i, w := range list {
			if w == ch {
				r.watchers[service] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) listLocked(service string) []Instance {
	instances := make([]Instance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

// notifyLocked replaces any undelivered update with the latest list.
func (r *MemoryRegistry) notifyLocked(service string) {
	list := r.listLocked(service)
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
