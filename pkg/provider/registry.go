package provider

import (
	"fmt"
	"sort"

	"github.com/canopy-network/chainheights/pkg/db/models"
)

// Options marks providers with deployment-specific behavior.
type Options struct {
	// Bulk lists providers whose height rounds use one bulk call.
	Bulk []string
	// Private lists providers excluded from public summaries.
	Private []string
	// Canonical is the trusted source of block validation.
	Canonical string
}

// Registry is an immutable set of providers keyed by id.
type Registry struct {
	providers map[string]Provider
	order     []string
	bulk      map[string]bool
	private   map[string]bool
	canonical string
}

// NewRegistry builds a registry. Duplicate ids and unknown option ids are rejected.
func NewRegistry(opts Options, providers ...Provider) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]Provider, len(providers)),
		bulk:      map[string]bool{},
		private:   map[string]bool{},
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		id := p.ID()
		if _, dup := r.providers[id]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", id)
		}
		r.providers[id] = p
		r.order = append(r.order, id)
	}
	sort.Strings(r.order)

	for _, id := range opts.Bulk {
		p, ok := r.providers[id]
		if !ok {
			return nil, fmt.Errorf("bulk provider %q is not registered", id)
		}
		if !p.SupportedChecks().Has(models.CheckBulkHeight) {
			return nil, fmt.Errorf("provider %q does not support bulk heights", id)
		}
		r.bulk[id] = true
	}
	for _, id := range opts.Private {
		if _, ok := r.providers[id]; !ok {
			return nil, fmt.Errorf("private provider %q is not registered", id)
		}
		r.private[id] = true
	}
	if opts.Canonical != "" {
		p, ok := r.providers[opts.Canonical]
		if !ok {
			return nil, fmt.Errorf("canonical provider %q is not registered", opts.Canonical)
		}
		if !p.SupportedChecks().Has(models.CheckBlockValidation) {
			return nil, fmt.Errorf("provider %q does not support block validation", opts.Canonical)
		}
		r.canonical = opts.Canonical
	}
	return r, nil
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// All returns every provider in id order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// Supporting returns the providers advertising kind, in id order.
func (r *Registry) Supporting(kind models.CheckKind) []Provider {
	var out []Provider
	for _, id := range r.order {
		if p := r.providers[id]; p.SupportedChecks().Has(kind) {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) IsBulk(id string) bool    { return r.bulk[id] }
func (r *Registry) IsPrivate(id string) bool { return r.private[id] }

// Canonical returns the trusted validation provider, if configured.
func (r *Registry) Canonical() (Provider, bool) {
	if r.canonical == "" {
		return nil, false
	}
	return r.providers[r.canonical], true
}

// Describe returns the persisted view of every provider.
func (r *Registry) Describe() []models.Provider {
	out := make([]models.Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, models.Provider{
			ID:      id,
			Name:    id,
			Private: r.private[id],
			Bulk:    r.bulk[id],
		})
	}
	return out
}
