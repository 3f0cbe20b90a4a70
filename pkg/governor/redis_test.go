package governor_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esglens/esglens/pkg/governor"
)

func newRedisRateStore(t *testing.T) *governor.RedisRateStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return governor.NewRedisRateStore(client)
}

func TestRedisRateStore_TakeUntilDenied(t *testing.T) {
	s := newRedisRateStore(t)
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		d, err := s.Take(context.Background(), "rate:u1:analyze", 2, time.Hour, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(i+1), d.Used)
	}

	d, err := s.Take(context.Background(), "rate:u1:analyze", 2, time.Hour, base.Add(20*time.Minute))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Equal(t, base.Add(time.Hour), d.ResetAt.UTC())
	assert.Equal(t, 40*time.Minute, d.RetryAfter)
}

func TestRedisRateStore_WindowSlides(t *testing.T) {
	s := newRedisRateStore(t)
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	d, err := s.Take(context.Background(), "rate:u1:analyze", 1, time.Hour, base)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = s.Take(context.Background(), "rate:u1:analyze", 1, time.Hour, base.Add(59*time.Minute))
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = s.Take(context.Background(), "rate:u1:analyze", 1, time.Hour, base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisRateStore_PeekDoesNotConsume(t *testing.T) {
	s := newRedisRateStore(t)
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.Take(context.Background(), "rate:u1:analyze", 5, time.Hour, base)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d, err := s.Peek(context.Background(), "rate:u1:analyze", 5, time.Hour, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), d.Used)
		assert.Equal(t, int64(4), d.Remaining)
		assert.Equal(t, base.Add(time.Hour), d.ResetAt.UTC())
	}
}
