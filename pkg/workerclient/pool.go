package workerclient

import (
	"net/http"
	"sync"
)

// Pool caches one Client per worker address, the same address-keyed
// caching idiom as pkg/masterclient.Pool (see DESIGN.md for why this is a
// hand-rolled pool rather than github.com/grafana/dskit/ring/client).
type Pool struct {
	mu      sync.Mutex
	clients map[string]Client
	factory func(addr string) Client
	hc      *http.Client
}

// NewPool creates a pool using the default HTTPClient factory.
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

// Remove drops the cached client for addr.
func (p *Pool) Remove(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, addr)
}
