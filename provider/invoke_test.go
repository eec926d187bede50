package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vvtv/llmpool/types"
)

func TestInvoke_SuccessRecordsNonFailure(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailRate: 0.5, Window: 1, Cooldown: time.Hour}, nil)
	prov := newMockProvider("p", 1.0, types.TaskJudge)

	_, err := Invoke(context.Background(), prov, b, "hi", 10)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestInvoke_ProviderErrorTripsBreaker(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailRate: 0.5, Window: 1, Cooldown: time.Hour}, nil)
	prov := newMockProvider("p", 1.0, types.TaskJudge)
	prov.inferFn = func(ctx context.Context, prompt string, maxTokens int) (*types.ProviderResponse, error) {
		return nil, types.NewError(types.ErrProviderTimeout, "timed out")
	}

	_, err := Invoke(context.Background(), prov, b, "hi", 10)
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestInvoke_BreakerOpenRejectsWithoutCallingProvider(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailRate: 0.5, Window: 1, Cooldown: time.Hour}, nil)
	called := false
	prov := newMockProvider("p", 1.0, types.TaskJudge)
	prov.inferFn = func(ctx context.Context, prompt string, maxTokens int) (*types.ProviderResponse, error) {
		called = true
		return nil, errors.New("should not be reached")
	}
	b.Record(true) // trips open

	_, err := Invoke(context.Background(), prov, b, "hi", 10)
	require.Error(t, err)
	assert.False(t, called)
}

func TestInvoke_CancelledContextDoesNotRecordOutcome(t *testing.T) {
	b := NewBreaker("p", BreakerConfig{FailRate: 0.5, Window: 1, Cooldown: time.Hour}, nil)
	prov := newMockProvider("p", 1.0, types.TaskJudge)
	prov.inferFn = func(ctx context.Context, prompt string, maxTokens int) (*types.ProviderResponse, error) {
		return nil, context.Canceled
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Invoke(ctx, prov, b, "hi", 10)
	require.Error(t, err)
	assert.Equal(t, StateClosed, b.State(), "a cancelled call must not trip the breaker")
}

func TestInvoke_NilBreakerIsNoop(t *testing.T) {
	prov := newMockProvider("p", 1.0, types.TaskJudge)
	resp, err := Invoke(context.Background(), prov, nil, "hi", 10)
	require.NoError(t, err)
	assert.NotNil(t, resp)
}
