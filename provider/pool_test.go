package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vvtv/llmpool/types"
)

// mockProvider is a scriptable Provider double used by the provider
// package's tests.
type mockProvider struct {
	name    string
	tasks   map[types.Task]struct{}
	weight  float64
	healthy bool

	inferFn func(ctx context.Context, prompt string, maxTokens int) (*types.ProviderResponse, error)
}

func newMockProvider(name string, weight float64, tasks ...types.Task) *mockProvider {
	set := make(map[types.Task]struct{}, len(tasks))
	for _, t := range tasks {
		set[t] = struct{}{}
	}
	return &mockProvider{name: name, tasks: set, weight: weight, healthy: true}
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Supports(task types.Task) bool {
	_, ok := m.tasks[task]
	return ok
}

func (m *mockProvider) Infer(ctx context.Context, prompt string, maxTokens int) (*types.ProviderResponse, error) {
	if m.inferFn != nil {
		return m.inferFn(ctx, prompt, maxTokens)
	}
	return &types.ProviderResponse{Content: "ok from " + m.name, Model: m.name, DurationMS: 1}, nil
}

func (m *mockProvider) Health(ctx context.Context) bool { return m.healthy }

func (m *mockProvider) Weight() float64 { return m.weight }

func TestPool_RegisterAndResolveByTask(t *testing.T) {
	pool := NewPool(nil)
	a := newMockProvider("a", 1.0, types.TaskExpandQueries)
	b := newMockProvider("b", 1.0, types.TaskExpandQueries, types.TaskJudge)

	pool.Register(a, []types.Task{types.TaskExpandQueries}, BreakerConfig{})
	pool.Register(b, []types.Task{types.TaskExpandQueries, types.TaskJudge}, BreakerConfig{})

	expand := pool.ProvidersForTask(types.TaskExpandQueries)
	require.Len(t, expand, 2)

	judge := pool.ProvidersForTask(types.TaskJudge)
	require.Len(t, judge, 1)
	assert.Equal(t, "b", judge[0].Name())

	assert.Empty(t, pool.ProvidersForTask(types.TaskSiteTactics))
}

func TestPool_GetAndBreaker(t *testing.T) {
	pool := NewPool(nil)
	a := newMockProvider("a", 1.0, types.TaskJudge)
	pool.Register(a, []types.Task{types.TaskJudge}, BreakerConfig{})

	got, ok := pool.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.Name())

	_, ok = pool.Get("missing")
	assert.False(t, ok)

	b, ok := pool.Breaker("a")
	require.True(t, ok)
	assert.Equal(t, StateClosed, b.State())
}

func TestPool_HealthCheckAggregates(t *testing.T) {
	pool := NewPool(nil)
	healthy := newMockProvider("healthy", 1.0, types.TaskJudge)
	unhealthy := newMockProvider("unhealthy", 1.0, types.TaskJudge)
	unhealthy.healthy = false

	pool.Register(healthy, []types.Task{types.TaskJudge}, BreakerConfig{})
	pool.Register(unhealthy, []types.Task{types.TaskJudge}, BreakerConfig{})

	status := pool.HealthCheck(context.Background(), 100*time.Millisecond)
	assert.False(t, status.Healthy)
	assert.Equal(t, "healthy", status.Providers["healthy"])
	assert.Equal(t, "unhealthy", status.Providers["unhealthy"])
}

func TestPool_AvailableProvidersForTask_ExcludesOpenBreaker(t *testing.T) {
	pool := NewPool(nil)
	a := newMockProvider("a", 1.0, types.TaskJudge)
	b := newMockProvider("b", 1.0, types.TaskJudge)
	pool.Register(a, []types.Task{types.TaskJudge}, BreakerConfig{FailRate: 0.5, Window: 1, Cooldown: time.Hour})
	pool.Register(b, []types.Task{types.TaskJudge}, BreakerConfig{FailRate: 0.5, Window: 1, Cooldown: time.Hour})

	breakerA, _ := pool.Breaker("a")
	breakerA.Record(true) // trips a open

	available, err := pool.AvailableProvidersForTask(types.TaskJudge)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, "b", available[0].Name())
}

func TestPool_AvailableProvidersForTask_AllOpenReturnsError(t *testing.T) {
	pool := NewPool(nil)
	a := newMockProvider("a", 1.0, types.TaskJudge)
	pool.Register(a, []types.Task{types.TaskJudge}, BreakerConfig{FailRate: 0.5, Window: 1, Cooldown: time.Hour})

	breakerA, _ := pool.Breaker("a")
	breakerA.Record(true)

	_, err := pool.AvailableProvidersForTask(types.TaskJudge)
	require.Error(t, err)
	var kerr *types.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, types.ErrCircuitBreakerOpen, kerr.Code)
}

func TestPool_AvailableProvidersForTask_NoRegistrations(t *testing.T) {
	pool := NewPool(nil)
	_, err := pool.AvailableProvidersForTask(types.TaskRecoveryPlan)
	assert.Error(t, err)
}
