//go:build integration

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7.4-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestRedisClient(t *testing.T) {
	ctx := context.Background()
	client, err := NewRedisClient(RedisConfig{Addr: startRedis(t), PoolSize: 2, Prefix: "test:"})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Get(ctx, "render:missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, client.Set(ctx, "render:a", []byte("one"), time.Minute))
	require.NoError(t, client.Set(ctx, "render:b", []byte("two"), time.Minute))

	got, err := client.Get(ctx, "render:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	n, err := client.Purge(ctx, "render:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = client.Get(ctx, "render:b")
	assert.ErrorIs(t, err, ErrCacheMiss)
}
