package adapters

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smallbiznis/tokenmeter/internal/payment/domain"
)

// Registry resolves the configured PAYMENT_PROVIDER to an adapter factory.
type Registry struct {
	factories map[string]domain.AdapterFactory
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	r := &Registry{factories: make(map[string]domain.AdapterFactory, len(factories))}
	for _, f := range factories {
		if f == nil {
			continue
		}
		if name := providerKey(f.Provider()); name != "" {
			r.factories[name] = f
		}
	}
	return r
}

func (r *Registry) ProviderExists(provider string) bool {
	_, ok := r.lookup(provider)
	return ok
}

// NewAdapter builds the adapter for provider with its credentials.
func (r *Registry) NewAdapter(provider string, cfg domain.AdapterConfig) (domain.PaymentAdapter, error) {
	f, ok := r.lookup(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, provider)
	}
	adapter, err := f.NewAdapter(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s adapter: %w", f.Provider(), err)
	}
	return adapter, nil
}

func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(provider string) (domain.AdapterFactory, bool) {
	if r == nil {
		return nil, false
	}
	f, ok := r.factories[providerKey(provider)]
	return f, ok
}

func providerKey(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
