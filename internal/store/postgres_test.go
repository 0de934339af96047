// ABOUTME: Integration tests for the Postgres store
// ABOUTME: Skipped unless COVEN_RELAY_TEST_POSTGRES_URL points at a disposable database

package store

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Suite(t *testing.T) {
	url := os.Getenv("COVEN_RELAY_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("COVEN_RELAY_TEST_POSTGRES_URL not set")
	}

	runStoreSuite(t, func(t *testing.T) Store {
		namespace := "test_" + strings.ReplaceAll(uuid.New().String()[:8], "-", "")
		s, err := NewPostgresStore(context.Background(), Options{
			Driver:    DriverPostgres,
			URL:       url,
			Namespace: namespace,
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			s.pool.Exec(context.Background(), "DROP SCHEMA "+namespace+" CASCADE")
			s.Close()
		})
		return s
	})
}

func TestPgMessageQuery(t *testing.T) {
	q, args := pgMessageQuery("SELECT id FROM messages", MessageFilter{From: "bob", To: "alice"})
	assert.Equal(t, "SELECT id FROM messages WHERE from_agent = $1 AND to_agent = $2", q)
	assert.Equal(t, []any{"bob", "alice"}, args)

	q, args = pgMessageQuery("SELECT id FROM messages", MessageFilter{})
	assert.Equal(t, "SELECT id FROM messages", q)
	assert.Empty(t, args)
}

func TestPostgresFeedChannel(t *testing.T) {
	s := &PostgresStore{namespace: "relay"}
	ch := s.feedChannel("alice")

	assert.True(t, strings.HasPrefix(ch, "relay_feed_"))
	assert.Len(t, ch, len("relay_feed_")+16)
	assert.Equal(t, ch, s.feedChannel("alice"))
	assert.NotEqual(t, ch, s.feedChannel("bob"))
}
