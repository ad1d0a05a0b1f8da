// Package jwks keeps the public keys needed to verify tokens. Keys come from
// the process's own signing key, an optional local trust file and an optional
// remote JWKS endpoint that is consulted when an unknown key id shows up.
package jwks

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownKey is returned when no key with the requested id is known, even
// after a refresh.
var ErrUnknownKey = errors.New("jwks: unknown key id")

// refreshTimeout bounds one remote fetch. The fetch is detached from the
// requesting context so one cancelled request cannot fail its waiters.
const refreshTimeout = 10 * time.Second

var refreshesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jwks_cache_refreshes_total",
		Help: "Total number of remote JWKS refreshes by result",
	},
	[]string{"result"},
)

// Fetcher retrieves a key set from elsewhere.
type Fetcher interface {
	Fetch(ctx context.Context) (jose.JSONWebKeySet, error)
}

// Cache maps key ids to public keys. Local keys are fixed for the process
// lifetime; remote keys are replaced wholesale on every refresh.
type Cache struct {
	mu     sync.RWMutex
	local  map[string]jose.JSONWebKey
	order  []string
	remote map[string]jose.JSONWebKey

	fetcher Fetcher
	group   singleflight.Group
	logger  *slog.Logger
}

// New returns a cache seeded with local keys. fetcher may be nil, in which
// case unknown key ids fail immediately.
func New(local []jose.JSONWebKey, fetcher Fetcher, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		local:   make(map[string]jose.JSONWebKey, len(local)),
		remote:  map[string]jose.JSONWebKey{},
		fetcher: fetcher,
		logger:  logger,
	}
	for _, k := range local {
		if k.KeyID == "" {
			return nil, errors.New("jwks: local key without kid")
		}
		if _, dup := c.local[k.KeyID]; dup {
			return nil, fmt.Errorf("jwks: duplicate kid %q", k.KeyID)
		}
		pub := k.Public()
		if pub.Key == nil {
			return nil, fmt.Errorf("jwks: key %q is not an asymmetric key", k.KeyID)
		}
		c.local[k.KeyID] = pub
		c.order = append(c.order, k.KeyID)
	}
	return c, nil
}

// Key returns the verification key for kid, refreshing the remote set at most
// once when kid is not known yet.
func (c *Cache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if k, ok := c.lookup(kid); ok {
		return k, nil
	}
	if c.fetcher == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownKey, kid, err)
	}
	if k, ok := c.lookup(kid); ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
}

func (c *Cache) lookup(kid string) (crypto.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if k, ok := c.local[kid]; ok {
		return k.Key, true
	}
	if k, ok := c.remote[kid]; ok {
		return k.Key, true
	}
	return nil, false
}

// Refresh fetches the remote key set and swaps it in. Concurrent callers share
// one fetch. On failure the previous set stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.fetcher == nil {
		return nil
	}
	ch := c.group.DoChan("refresh", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		set, err := c.fetcher.Fetch(fetchCtx)
		if err != nil {
			refreshesTotal.WithLabelValues("error").Inc()
			c.logger.Warn("jwks refresh failed", "error", err)
			return nil, err
		}

		keys := make(map[string]jose.JSONWebKey, len(set.Keys))
		for _, k := range set.Keys {
			if k.KeyID == "" || !k.Valid() {
				continue
			}
			if pub := k.Public(); pub.Key != nil {
				keys[k.KeyID] = pub
			}
		}

		c.mu.Lock()
		c.remote = keys
		c.mu.Unlock()

		refreshesTotal.WithLabelValues("success").Inc()
		c.logger.Debug("jwks refreshed", "keys", len(keys))
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Document returns the locally held public keys for publication. Remote keys
// belong to other services and are not republished.
func (c *Cache) Document() jose.JSONWebKeySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(c.order))}
	for _, kid := range c.order {
		set.Keys = append(set.Keys, c.local[kid])
	}
	return set
}
