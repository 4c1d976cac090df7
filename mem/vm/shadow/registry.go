package shadow

import (
	"fmt"
	"sort"
	"sync"
)

// A Registry keeps track of the domains of a monitor.
type Registry struct {
	mu      sync.Mutex
	domains map[DomainID]*Domain
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		domains: make(map[DomainID]*Domain),
	}
}

// Add registers a domain. IDs must be unique.
func (r *Registry) Add(d *Domain) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.domains[d.id]; found {
		return fmt.Errorf("domain %d already registered", d.id)
	}

	r.domains[d.id] = d

	return nil
}

// Remove forgets a domain.
func (r *Registry) Remove(id DomainID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.domains, id)
}

// Domain returns the domain with the given ID.
func (r *Registry) Domain(id DomainID) (*Domain, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.domains[id]

	return d, ok
}

// Domains lists the registered domains by ID.
func (r *Registry) Domains() []*Domain {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]*Domain, 0, len(r.domains))
	for _, d := range r.domains {
		list = append(list, d)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })

	return list
}

// BlowAllTables blows the shadow tables of every domain, one at a time.
func (r *Registry) BlowAllTables() {
	for _, d := range r.Domains() {
		d.BlowTablesPerDomain()
	}
}
