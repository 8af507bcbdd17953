// Package tenant resolves the tenant a request is for by slug or domain.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
)

const DefaultCacheTTL = 5 * time.Minute

// Lookup finds tenants. store.Tenants satisfies it.
type Lookup interface {
	BySlug(ctx context.Context, slug string) (*domain.Tenant, error)
	ByDomain(ctx context.Context, host string) (*domain.Tenant, error)
}

// Resolve finds the tenant by slug, falling back to host, and checks that
// commerce is enabled for it.
func Resolve(ctx context.Context, l Lookup, slug, host string) (*domain.Tenant, error) {
	slug = strings.TrimSpace(slug)
	host = normalizeHost(host)
	if slug == "" && host == "" {
		return nil, domain.NewError(domain.KindTenantNotFound, "tenant not specified")
	}

	var (
		t   *domain.Tenant
		err error
	)
	if slug != "" {
		t, err = l.BySlug(ctx, slug)
	} else {
		t, err = l.ByDomain(ctx, host)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NewError(domain.KindTenantNotFound, "tenant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}
	if !t.CommerceEnabled {
		return nil, domain.NewError(domain.KindFeatureDisabled, "commerce is not enabled for this tenant")
	}
	return t, nil
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

// CachedLookup keeps resolved tenants in Redis. Cache failures fall through
// to the wrapped lookup; misses are not cached.
type CachedLookup struct {
	next   Lookup
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedLookup(next Lookup, rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *CachedLookup {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedLookup{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func (c *CachedLookup) BySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	return c.cached(ctx, "tenant:slug:"+slug, func() (*domain.Tenant, error) {
		return c.next.BySlug(ctx, slug)
	})
}

func (c *CachedLookup) ByDomain(ctx context.Context, host string) (*domain.Tenant, error) {
	host = normalizeHost(host)
	return c.cached(ctx, "tenant:domain:"+host, func() (*domain.Tenant, error) {
		return c.next.ByDomain(ctx, host)
	})
}

func (c *CachedLookup) cached(ctx context.Context, key string, load func() (*domain.Tenant, error)) (*domain.Tenant, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var t domain.Tenant
		if err := json.Unmarshal(raw, &t); err == nil {
			return &t, nil
		}
		c.logger.Warn("discarding malformed cached tenant", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("tenant cache read failed", zap.Error(err), zap.String("key", key))
	}

	t, err := load()
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(t)
	if err == nil {
		err = c.rdb.Set(ctx, key, data, c.ttl).Err()
	}
	if err != nil {
		c.logger.Warn("tenant cache write failed", zap.Error(err), zap.String("key", key))
	}
	return t, nil
}
