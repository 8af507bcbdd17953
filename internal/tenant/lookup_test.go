package tenant

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/store/memory"
)

// countingLookup counts how often the cache falls through.
type countingLookup struct {
	Lookup
	calls int
}

func (c *countingLookup) BySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	c.calls++
	return c.Lookup.BySlug(ctx, slug)
}

func (c *countingLookup) ByDomain(ctx context.Context, host string) (*domain.Tenant, error) {
	c.calls++
	return c.Lookup.ByDomain(ctx, host)
}

// mapCache implements the two commands CachedLookup uses.
type mapCache struct {
	redis.Cmdable
	data map[string]string
	ttls map[string]time.Duration
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *mapCache) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "get", key)
	if v, ok := m.data[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (m *mapCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	m.data[key] = string(value.([]byte))
	m.ttls[key] = ttl
	cmd := redis.NewStatusCmd(ctx, "set", key)
	cmd.SetVal("OK")
	return cmd
}

func seed() (*memory.Store, domain.Tenant) {
	s := memory.New()
	t := s.AddTenant(domain.Tenant{Slug: "clinic-a", Domain: "shop.clinic-a.test", Name: "Clinic A",
		Currency: "USD", CommerceEnabled: true})
	s.AddTenant(domain.Tenant{Slug: "clinic-off", Currency: "USD"})
	return s, t
}

func TestResolve(t *testing.T) {
	s, a := seed()
	ctx := context.Background()

	got, err := Resolve(ctx, s.Tenants(), "clinic-a", "")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	got, err = Resolve(ctx, s.Tenants(), "", "Shop.Clinic-A.test:8443")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	tests := []struct {
		name string
		slug string
		host string
		kind domain.Kind
	}{
		{name: "nothing given", kind: domain.KindTenantNotFound},
		{name: "unknown slug", slug: "nope", kind: domain.KindTenantNotFound},
		{name: "unknown domain", host: "nope.test", kind: domain.KindTenantNotFound},
		{name: "commerce disabled", slug: "clinic-off", kind: domain.KindFeatureDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(ctx, s.Tenants(), tt.slug, tt.host)
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}
}

func TestCachedLookupServesRepeatsFromCache(t *testing.T) {
	s, a := seed()
	next := &countingLookup{Lookup: s.Tenants()}
	cache := newMapCache()
	l := NewCachedLookup(next, cache, 0, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := l.BySlug(ctx, "clinic-a")
		require.NoError(t, err)
		assert.Equal(t, a, *got)
	}
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, DefaultCacheTTL, cache.ttls["tenant:slug:clinic-a"])

	_, err := l.ByDomain(ctx, "SHOP.clinic-a.test")
	require.NoError(t, err)
	_, err = l.ByDomain(ctx, "shop.clinic-a.test")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestCachedLookupDoesNotCacheMisses(t *testing.T) {
	s, _ := seed()
	next := &countingLookup{Lookup: s.Tenants()}
	l := NewCachedLookup(next, newMapCache(), time.Minute, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := Resolve(context.Background(), l, "ghost", "")
		assert.Equal(t, domain.KindTenantNotFound, domain.KindOf(err))
	}
	assert.Equal(t, 2, next.calls)
}

func TestCachedLookupFallsThroughWhenRedisIsDown(t *testing.T) {
	s, a := seed()
	rdb := redis.NewClient(&redis.Options{
		Addr:       "localhost:0",
		MaxRetries: -1,
		Dialer: func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("redis disabled in tests")
		},
	})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewCachedLookup(s.Tenants(), rdb, time.Minute, zap.NewNop())
	got, err := l.BySlug(context.Background(), "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}
