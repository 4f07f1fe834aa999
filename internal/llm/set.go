package llm

import (
	"fmt"

	"github.com/felipepmaragno/finance-assistant/internal/domain"
	"github.com/felipepmaragno/finance-assistant/internal/registry"
)

// Set holds one client per configured provider, all sharing the same
// dependencies.
type Set struct {
	registry *registry.Registry
	clients  map[string]*Client
}

func NewSet(reg *registry.Registry, deps Dependencies, cfg Config, opts ...Option) (*Set, error) {
	clients := make(map[string]*Client)
	for _, name := range reg.Names() {
		adapter, _ := reg.Get(name)

		client, err := New(adapter, deps, cfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("client for %s: %w", name, err)
		}
		clients[name] = client
	}

	return &Set{registry: reg, clients: clients}, nil
}

// Select picks the client by provider hint, then model, then default.
func (s *Set) Select(hint, model string) (*Client, error) {
	adapter, err := s.registry.Select(hint, model)
	if err != nil {
		return nil, err
	}

	client, ok := s.clients[adapter.Name()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, adapter.Name())
	}
	return client, nil
}

func (s *Set) Get(name string) (*Client, bool) {
	c, ok := s.clients[name]
	return c, ok
}

func (s *Set) Default() *Client {
	return s.clients[s.registry.Default()]
}

func (s *Set) Names() []string {
	return s.registry.Names()
}
