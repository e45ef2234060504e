package partner

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirosfoundation/go-as2/pkg/fault"
)

// Registry holds the configured partners by id.
type Registry struct {
	mu       sync.RWMutex
	partners map[string]*Partner
}

// NewRegistry builds a partner for every configuration.
func NewRegistry(configs []Config, opts ...Option) (*Registry, error) {
	r := &Registry{partners: make(map[string]*Partner, len(configs))}
	for i, cfg := range configs {
		p, err := New(cfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("partners[%d]: %w", i, err)
		}
		if err := r.Add(p); err != nil {
			return nil, fmt.Errorf("partners[%d]: %w", i, err)
		}
	}
	return r, nil
}

// Add registers p. Ids must be unique.
func (r *Registry) Add(p *Partner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.partners == nil {
		r.partners = make(map[string]*Partner)
	}
	if _, ok := r.partners[p.ID()]; ok {
		return fault.Newf(fault.Configuration, "duplicate partner id %q", p.ID())
	}
	r.partners[p.ID()] = p
	return nil
}

// Lookup returns the partner for an AS2-From or AS2-To value.
func (r *Registry) Lookup(id string) (*Partner, error) {
	id = Unquote(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.partners[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownPartner, id)
	}
	return p, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.partners))
	for id := range r.partners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Unquote strips whitespace and surrounding double quotes from a header id.
func Unquote(id string) string {
	id = strings.TrimSpace(id)
	if len(id) >= 2 && id[0] == '"' && id[len(id)-1] == '"' {
		id = id[1 : len(id)-1]
	}
	return id
}
