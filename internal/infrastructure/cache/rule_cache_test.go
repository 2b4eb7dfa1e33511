package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
	"github.com/davidleathers/dispatch-guard/internal/infrastructure/cache"
	"github.com/davidleathers/dispatch-guard/internal/infrastructure/config"
	"github.com/davidleathers/dispatch-guard/internal/service/rules"
)

const channel = "guard:rules:invalidate"

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func italy(source compliance.RuleSource) compliance.ResolvedRule {
	return compliance.ResolvedRule{
		Rule: compliance.CountryRule{
			CountryISO:     "IT",
			B2BRegime:      compliance.RegimeOptOut,
			B2CRegime:      compliance.RegimeOptIn,
			Timezone:       "Europe/Rome",
			RecordingBasis: compliance.RecordingConsent,
			QuietHours: compliance.QuietHours{
				Enabled:  true,
				Weekday:  compliance.MustParseDayWindow("21:00-08:00"),
			},
		},
		Source:         source,
		DatasetVersion: "2026.10.1",
	}
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.RedisConfig{Addr: mr.Addr(), PoolSize: 2, DialTimeout: time.Second}

	client, err := cache.NewClient(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Ping(context.Background()).Err())

	mr.Close()
	_, err = cache.NewClient(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestRuleCache_GetSet(t *testing.T) {
	mr, client := setupRedis(t)
	c := cache.NewRuleCache(client, 10*time.Minute, channel, zaptest.NewLogger(t))
	ctx := context.Background()
	tenant := uuid.New()

	_, ok, err := c.Get(ctx, tenant, "IT")
	require.NoError(t, err)
	assert.False(t, ok)

	want := italy(compliance.SourceDataset)
	require.NoError(t, c.Set(ctx, tenant, "it", want))

	got, ok, err := c.Get(ctx, tenant, "IT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	assert.True(t, mr.Exists("guard:rules:IT"))
	assert.Equal(t, 10*time.Minute, mr.TTL("guard:rules:IT"))

	_, ok, err = c.Get(ctx, uuid.New(), "IT")
	require.NoError(t, err)
	assert.False(t, ok, "entries are per tenant")
}

func TestRuleCache_CorruptEntryIsMiss(t *testing.T) {
	mr, client := setupRedis(t)
	c := cache.NewRuleCache(client, time.Minute, channel, zaptest.NewLogger(t))
	tenant := uuid.New()

	mr.HSet("guard:rules:DE", tenant.String(), "{not json")

	_, ok, err := c.Get(context.Background(), tenant, "DE")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRuleCache_GetError(t *testing.T) {
	mr, client := setupRedis(t)
	c := cache.NewRuleCache(client, time.Minute, channel, zaptest.NewLogger(t))
	mr.Close()

	_, _, err := c.Get(context.Background(), uuid.New(), "IT")
	assert.Error(t, err)
}

func TestRuleCache_Invalidate(t *testing.T) {
	mr, client := setupRedis(t)
	c := cache.NewRuleCache(client, time.Minute, channel, zaptest.NewLogger(t))
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, c.Set(ctx, a, "IT", italy(compliance.SourceTenantOverride)))
	require.NoError(t, c.Set(ctx, b, "IT", italy(compliance.SourceDataset)))

	require.NoError(t, c.Invalidate(ctx, compliance.RuleInvalidation{CountryISO: "IT", TenantID: &a}))
	fields, err := mr.HKeys("guard:rules:IT")
	require.NoError(t, err)
	assert.Equal(t, []string{b.String()}, fields)

	require.NoError(t, c.Invalidate(ctx, compliance.RuleInvalidation{CountryISO: "it"}))
	assert.False(t, mr.Exists("guard:rules:IT"), "a global change drops every tenant")
}

func TestRuleCache_Subscribe(t *testing.T) {
	_, client := setupRedis(t)
	publisher := cache.NewRuleCache(client, time.Minute, channel, zaptest.NewLogger(t))
	subscriber := cache.NewRuleCache(client, time.Minute, channel, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		received []compliance.RuleInvalidation
	)
	require.NoError(t, subscriber.Subscribe(ctx, func(inv compliance.RuleInvalidation) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, inv)
	}))

	tenant := uuid.New()
	require.NoError(t, client.Publish(ctx, channel, "garbage").Err())
	require.NoError(t, publisher.Invalidate(ctx, compliance.RuleInvalidation{CountryISO: "FR", TenantID: &tenant}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "FR", received[0].CountryISO)
	assert.Equal(t, &tenant, received[0].TenantID)
}

// Two guard processes share Redis and the override table. A global change
// written through one must evict the other's in-process snapshot.
func TestRuleCache_CrossProcessInvalidation(t *testing.T) {
	_, client := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ds, err := rules.EmbeddedDataset()
	require.NoError(t, err)
	durable := rules.NewMemoryOverrideStore()

	cacheA := cache.NewRuleCache(client, time.Minute, channel, zaptest.NewLogger(t))
	cacheB := cache.NewRuleCache(client, time.Minute, channel, zaptest.NewLogger(t))
	storeA := rules.NewStore(durable, cacheA, ds, nil, zaptest.NewLogger(t))
	storeB := rules.NewStore(durable, cacheB, ds, nil, zaptest.NewLogger(t))
	require.NoError(t, cacheB.Subscribe(ctx, storeB.Invalidate))

	tenant := uuid.New()
	r, err := storeB.Resolve(ctx, tenant, "IT")
	require.NoError(t, err)
	assert.Equal(t, compliance.SourceDataset, r.Source)
	assert.Equal(t, 1, storeB.Len())

	_, err = storeA.PutOverride(ctx, compliance.CountryRule{
		CountryISO:     "IT",
		B2BRegime:      compliance.RegimeOptIn,
		B2CRegime:      compliance.RegimeOptIn,
		Timezone:       "Europe/Rome",
		RecordingBasis: compliance.RecordingConsent,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return storeB.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	r, err = storeB.Resolve(ctx, tenant, "IT")
	require.NoError(t, err)
	assert.Equal(t, compliance.SourceGlobal, r.Source)
	assert.Equal(t, compliance.RegimeOptIn, r.Rule.B2BRegime)
}
