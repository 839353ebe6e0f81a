package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis wraps the go-redis client. Rate-limit windows live here; the
// credential records themselves stay in Postgres.
type Redis struct {
	Client *redis.Client
}

// New creates a Redis connection from a URL and verifies it with a ping.
func New(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	log.Info().Msg("Redis connection established")

	return &Redis{Client: client}, nil
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	err := r.Client.Close()
	log.Info().Msg("Redis connection closed")
	return err
}

// Health checks if Redis is healthy
func (r *Redis) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}
