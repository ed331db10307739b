package redis

import (
	"os"
	"testing"
	"time"

	"github.com/knadh/tally/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to the server in TALLY_TEST_REDIS_ADDR or skips.
func newTestStore(t *testing.T) *Redis {
	addr := os.Getenv("TALLY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TALLY_TEST_REDIS_ADDR not set")
	}
	s, err := New(Config{
		Address:     addr,
		ActiveConns: 4,
		IdleConns:   2,
		Timeout:     2 * time.Second,
		Prefix:      "tally-test:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedis_SetGetDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("k", []byte("v"), 0))
	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	require.NoError(t, s.Delete("k"))
	_, err = s.Get("k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedis_Expiry(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("ttl", []byte("v"), 50*time.Millisecond))
	assert.Eventually(t, func() bool {
		_, err := s.Get("ttl")
		return err == store.ErrNotFound
	}, 2*time.Second, 20*time.Millisecond)
}
