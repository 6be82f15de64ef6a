package cmd

import (
	"fmt"

	"github.com/dukex/taskflow/pkg/mutex"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// NewMutexTable returns a redis backed lease table when redisURL is set, so
// several engines share mutex keys, and an in-memory table otherwise.
func NewMutexTable(redisURL string, clock clockwork.Clock) (mutex.Table, error) {
	if redisURL == "" {
		return mutex.NewMemoryTable(clock), nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return mutex.NewRedisTable(redis.NewClient(opts), clock), nil
}
