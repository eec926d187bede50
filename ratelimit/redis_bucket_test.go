package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedisBucket(t *testing.T) (*miniredis.Miniredis, *RedisBucket) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisBucket(client, nil)
}

func TestRedisBucket_AdmitsWithinBurst(t *testing.T) {
	_, bucket := setupTestRedisBucket(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, bucket.Allow(ctx, "tenant-a", 1, 3))
	}
	assert.Error(t, bucket.Allow(ctx, "tenant-a", 1, 3))
}

func TestRedisBucket_PerTenantIsolation(t *testing.T) {
	_, bucket := setupTestRedisBucket(t)
	ctx := context.Background()

	require.NoError(t, bucket.Allow(ctx, "tenant-a", 1, 1))
	assert.Error(t, bucket.Allow(ctx, "tenant-a", 1, 1))
	assert.NoError(t, bucket.Allow(ctx, "tenant-b", 1, 1))
}

func TestRedisBucket_NilClientAlwaysAdmits(t *testing.T) {
	bucket := NewRedisBucket(nil, nil)
	assert.NoError(t, bucket.Allow(context.Background(), "tenant-a", 1, 1))
}

func TestRedisBucket_FailsOpenOnRedisDown(t *testing.T) {
	mr, bucket := setupTestRedisBucket(t)
	mr.Close()

	assert.NoError(t, bucket.Allow(context.Background(), "tenant-a", 1, 1))
}
