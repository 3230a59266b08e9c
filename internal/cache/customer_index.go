package cache

import (
	"strings"
	"time"

	"go.uber.org/fx"
)

const (
	defaultCustomerIndexSize = 10_000
	defaultCustomerIndexTTL  = 15 * time.Minute
)

// CustomerIndex maps payment-provider customer ids to client ids so webhook
// handling avoids a ledger lookup for every event.
type CustomerIndex interface {
	Lookup(providerCustomerID string) (string, bool)
	Remember(providerCustomerID, clientID string)
	Forget(providerCustomerID string)
}

type customerIndex struct {
	entries Cache[string, string]
}

func NewCustomerIndex() CustomerIndex {
	return &customerIndex{
		entries: NewLRUCache[string, string](defaultCustomerIndexSize, defaultCustomerIndexTTL),
	}
}

func (c *customerIndex) Lookup(providerCustomerID string) (string, bool) {
	key := strings.TrimSpace(providerCustomerID)
	if key == "" {
		return "", false
	}
	return c.entries.Get(key)
}

func (c *customerIndex) Remember(providerCustomerID, clientID string) {
	key := strings.TrimSpace(providerCustomerID)
	clientID = strings.TrimSpace(clientID)
	if key == "" || clientID == "" {
		return
	}
	c.entries.Set(key, clientID)
}

func (c *customerIndex) Forget(providerCustomerID string) {
	c.entries.Remove(strings.TrimSpace(providerCustomerID))
}

var Module = fx.Module("cache",
	fx.Provide(NewCustomerIndex),
)
