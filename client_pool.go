package pushkit

import (
	"sync"
)

// ChannelPool shares one client connection per endpoint name.
type ChannelPool struct {
	mu      sync.RWMutex
	clients map[string]Client
	factory func(endpoint string) (Client, error)
}

func NewChannelPool(factory func(endpoint string) (Client, error)) *ChannelPool {
	return &ChannelPool{
		clients: make(map[string]Client),
		factory: factory,
	}
}

func (p *ChannelPool) GetClient(endpoint string) (Client, error) {
	p.mu.RLock()
	client, ok := p.clients[endpoint]
	p.mu.RUnlock()
	if ok {
		return client, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-check in case it was created between locks
	if client, ok := p.clients[endpoint]; ok {
		return client, nil
	}

	client, err := p.factory(endpoint)
	if err != nil {
		return nil, err
	}
	p.clients[endpoint] = client
	return client, nil
}

// Remove drops the client for endpoint so the next GetClient reconnects.
func (p *ChannelPool) Remove(endpoint string) {
	p.mu.Lock()
	client, ok := p.clients[endpoint]
	delete(p.clients, endpoint)
	p.mu.Unlock()

	if ok {
		_ = client.Close()
	}
}

// Close closes every client in the pool.
func (p *ChannelPool) Close() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]Client)
	p.mu.Unlock()

	for _, client := range clients {
		_ = client.Close()
	}
}
