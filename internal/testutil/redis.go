package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// SetupRedis starts an embedded Redis and returns it with a connected
// client. miniredis supports everything the safety controls use: EVAL
// with cjson, WATCH/MULTI/EXEC, lists, hashes, and sorted sets. The
// server's clock is also controllable, which the cool-down tests rely on.
func SetupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
	})
	return mr, client
}
