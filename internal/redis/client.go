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

// SessionChannel carries change notifications for one pairing session.
func SessionChannel(sessionID string) string {
	return fmt.Sprintf("pairing:session:%s", sessionID)
}

// OwnerChannel carries owner-level events such as channel_connected.
func OwnerChannel(ownerID string) string {
	return fmt.Sprintf("pairing:owner:%s", ownerID)
}
