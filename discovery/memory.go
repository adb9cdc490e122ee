package discovery

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Discovery for single-host setups and tests.
// TTLs are ignored: entries live until Deregister.
type Memory struct {
	mu       sync.Mutex
	services map[string]map[string]Instance
	watchers map[string][]chan []Instance
}

// NewMemory returns an empty directory.
func NewMemory() *Memory {
	return &Memory{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (m *Memory) Register(_ context.Context, service string, inst Instance, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.services[service] == nil {
		m.services[service] = make(map[string]Instance)
	}
	m.services[service][inst.Addr] = inst
	m.notify(service)
	return nil
}

func (m *Memory) Deregister(_ context.Context, service string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services[service], addr)
	m.notify(service)
	return nil
}

// Discover returns the instances sorted by address.
func (m *Memory) Discover(_ context.Context, service string) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(service), nil
}

func (m *Memory) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	m.mu.Lock()
	m.watchers[service] = append(m.watchers[service], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[service]
		for i, w := range ws {
			if w == ch {
				m.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *Memory) list(service string) []Instance {
	out := make([]Instance, 0, len(m.services[service]))
	for _, inst := range m.services[service] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// notify must be called with m.mu held. Slow watchers only see the latest list.
func (m *Memory) notify(service string) {
	list := m.list(service)
	for _, ch := range m.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
