package dnc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dispatch-guard/internal/domain/values"
)

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) Listed(ctx context.Context, countryISO string, phone values.PhoneNumber) (bool, error) {
	args := m.Called(ctx, countryISO, phone)
	return args.Bool(0), args.Error(1)
}

func (m *mockRegistry) Supports(countryISO string) bool {
	return m.Called(countryISO).Bool(0)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var ukNumber = values.MustNewPhoneNumber("+442071234567")

func TestCircuitBreaker_Transitions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	cb := newCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, Timeout: time.Minute}, clock.Now)
	boom := errors.New("boom")

	require.True(t, cb.allow())
	cb.record(boom)
	assert.Equal(t, CircuitClosed, cb.State())

	require.True(t, cb.allow())
	cb.record(boom)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.allow())

	clock.Advance(time.Minute)
	require.True(t, cb.allow(), "first probe after timeout")
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.allow(), "only one probe in flight")
	cb.record(nil)

	require.True(t, cb.allow())
	cb.record(nil)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	cb := newCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second}, clock.Now)

	require.True(t, cb.allow())
	cb.record(errors.New("down"))
	clock.Advance(2 * time.Second)

	require.True(t, cb.allow())
	cb.record(errors.New("still down"))
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.allow())
}

func TestGuardedRegistry_Listed(t *testing.T) {
	next := &mockRegistry{}
	next.On("Listed", mock.Anything, "GB", ukNumber).Return(true, nil).Once()

	g := NewGuardedRegistry(next, GuardConfig{RatePerSecond: 100, Burst: 10, Timeout: time.Second}, nil, zaptest.NewLogger(t), nil)

	listed, err := g.Listed(context.Background(), "GB", ukNumber)
	require.NoError(t, err)
	assert.True(t, listed)
	next.AssertExpectations(t)
}

func TestGuardedRegistry_FailuresOpenBreaker(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	next := &mockRegistry{}
	next.On("Listed", mock.Anything, "GB", ukNumber).Return(false, errors.New("502 bad gateway")).Times(3)

	g := NewGuardedRegistry(next, GuardConfig{
		RatePerSecond: 1000,
		Burst:         100,
		Breaker:       CircuitBreakerConfig{FailureThreshold: 3, Timeout: time.Minute},
	}, nil, zaptest.NewLogger(t), clock.Now)

	for i := 0; i < 5; i++ {
		_, err := g.Listed(context.Background(), "GB", ukNumber)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRegistryUnavailable)
	}

	next.AssertNumberOfCalls(t, "Listed", 3)
	assert.Equal(t, CircuitOpen, g.BreakerStates()["GB"])

	_, err := g.Listed(context.Background(), "GB", ukNumber)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestGuardedRegistry_RateLimited(t *testing.T) {
	next := &mockRegistry{}
	next.On("Listed", mock.Anything, "US", mock.Anything).Return(false, nil).Once()

	g := NewGuardedRegistry(next, GuardConfig{RatePerSecond: 0.001, Burst: 1}, nil, zaptest.NewLogger(t), nil)
	us := values.MustNewPhoneNumber("+12125550100")

	_, err := g.Listed(context.Background(), "US", us)
	require.NoError(t, err)

	_, err = g.Listed(context.Background(), "US", us)
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
	next.AssertExpectations(t)
}

type slowRegistry struct{}

func (slowRegistry) Supports(string) bool { return true }

func (slowRegistry) Listed(ctx context.Context, _ string, _ values.PhoneNumber) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestGuardedRegistry_Timeout(t *testing.T) {
	g := NewGuardedRegistry(slowRegistry{}, GuardConfig{Timeout: 10 * time.Millisecond}, nil, zaptest.NewLogger(t), nil)

	_, err := g.Listed(context.Background(), "US", values.MustNewPhoneNumber("+12125550100"))
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, g.Supports("US"))
}

func TestMemoryList(t *testing.T) {
	tenant := uuid.New()
	other := uuid.New()
	list := NewMemoryList()
	list.Add(tenant, ukNumber)
	list.Register("GB", ukNumber)

	ok, err := list.Contains(context.Background(), tenant, ukNumber)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = list.Contains(context.Background(), other, ukNumber)
	assert.False(t, ok, "lists are per tenant")

	assert.True(t, list.Supports("GB"))
	assert.False(t, list.Supports("IT"))

	listed, _ := list.Listed(context.Background(), "GB", ukNumber)
	assert.True(t, listed)
}
