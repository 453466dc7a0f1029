package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// SessionEventChannel is the pub/sub channel for one browser session.
func SessionEventChannel(clientToken string) string {
	return fmt.Sprintf("session-events:%s", clientToken)
}

// AttemptKey is the sorted-set key holding pairing attempts for a client identity.
func AttemptKey(identity string) string {
	return fmt.Sprintf("ratelimit:pairing:%s", identity)
}
