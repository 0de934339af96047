// ABOUTME: Integration tests for the Redis store
// ABOUTME: Skipped unless COVEN_RELAY_TEST_REDIS_URL points at a disposable server

package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisTestURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("COVEN_RELAY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COVEN_RELAY_TEST_REDIS_URL not set")
	}
	return url
}

func TestRedisStore_Suite(t *testing.T) {
	url := redisTestURL(t)
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewRedisStore(context.Background(), Options{
			Driver:    DriverRedis,
			URL:       url,
			Namespace: "test-" + uuid.New().String()[:8],
		})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestKeyPrefix(t *testing.T) {
	assert.Equal(t, "relay:", keyPrefix(Options{}))
	assert.Equal(t, "coven:", keyPrefix(Options{Namespace: "coven"}))
	assert.Equal(t, "coven:", keyPrefix(Options{Namespace: "coven", Database: "3"}))
	assert.Equal(t, "coven:agents:", keyPrefix(Options{Namespace: "coven", Database: "agents"}))
}

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions(Options{
		URL:      "redis://localhost:6379/0",
		Database: "4",
		Username: "relay",
		Password: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 4, opts.DB)
	assert.Equal(t, "relay", opts.Username)
	assert.Equal(t, "secret", opts.Password)

	_, err = redisOptions(Options{URL: "http://nope"})
	assert.Error(t, err)
}
