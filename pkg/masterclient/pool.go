package masterclient

import (
	"net/http"
	"sync"
)

// Pool caches one Client per master address, so retried commit_block calls
// after a transient Unavailable reuse the same underlying connection.
type Pool struct {
	mu      sync.Mutex
	clients map[string]Client
	factory func(addr string) Client
	hc      *http.Client
}

// NewPool creates a pool using the default HTTPClient factory. Pass a
// custom hc to share a transport (connection pooling, TLS config) across
// every master address.
func NewPool(hc *http.Client) *Pool {
	p := &Pool{clients: make(map[string]Client), hc: hc}
	p.factory = func(addr string) Client { return NewHTTPClient(addr, p.hc) }
	return p
}

// NewPoolWithFactory creates a pool using a caller-supplied factory,
// primarily for tests to inject a fake Client.
func NewPoolWithFactory(factory func(addr string) Client) *Pool {
	return &Pool{clients: make(map[string]Client), factory: factory}
}

// GetClientFor returns the cached Client for addr, creating one on first
// use.
func (p *Pool) GetClientFor(addr string) Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[addr]; ok {
		return c
	}
	c := p.factory(addr)
	p.clients[addr] = c
	return c
}

// Remove drops the cached client for addr, so the next GetClientFor call
// creates a fresh one (used after a connection is found to be broken).
func (p *Pool) Remove(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, addr)
}
