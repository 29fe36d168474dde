package endpoint

import (
	"fmt"
	"sort"
	"sync"
)

// Binding pairs an endpoint name with the handler that implements it. It is the
// unit handed over by whatever discovers endpoints.
type Binding struct {
	Name    string
	Handler any
}

// Manager maps endpoint names to endpoints.
type Manager interface {
	Get(name string) (*Endpoint, bool)
	Add(endpoint *Endpoint) error
	Names() []string
}

type manager struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewManager creates a Manager holding one endpoint per binding.
func NewManager(bindings ...Binding) (Manager, error) {
	m := &manager{
		endpoints: make(map[string]*Endpoint),
	}
	for _, b := range bindings {
		if err := m.Add(New(b.Name, b.Handler)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *manager) Get(name string) (*Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.endpoints[name]
	return e, ok
}

func (m *manager) Add(endpoint *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if endpoint.Name() == "" {
		return fmt.Errorf("endpoint name is required")
	}
	if _, exists := m.endpoints[endpoint.Name()]; exists {
		return fmt.Errorf("endpoint %q already registered", endpoint.Name())
	}
	m.endpoints[endpoint.Name()] = endpoint
	return nil
}

func (m *manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.endpoints))
	for name := range m.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
