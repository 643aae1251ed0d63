// Package redis consumes sensor log lines pushed onto a Redis list by a log
// shipper.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"accessguard/internal/input/file"
)

// Config configures the Redis consumer.
type Config struct {
	Addr          string
	Password      string
	DB            int
	Key           string
	DefaultSource string
	BlockTimeout  time.Duration
}

// Consumer wraps a Redis list popper.
type Consumer struct {
	client        *redis.Client
	key           string
	defaultSource string
	blockTimeout  time.Duration
}

// NewConsumer creates a Redis consumer for list-based queues.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.DefaultSource == "" {
		cfg.DefaultSource = "notice.log"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Consumer{
		client:        client,
		key:           cfg.Key,
		defaultSource: cfg.DefaultSource,
		blockTimeout:  cfg.BlockTimeout,
	}, nil
}

// Pop pops one message from the list.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Next pops the next log line. It returns a nil line when the block timeout
// expires without a message.
func (c *Consumer) Next(ctx context.Context) (*file.Line, error) {
	payload, err := c.Pop(ctx)
	if err != nil || payload == nil {
		return nil, err
	}
	line := ParseMessage(payload, c.defaultSource)
	return &line, nil
}

// ParseMessage decodes a queued message. Shippers push either
// {"source": "notice.log", "line": "..."} or the bare line, which is
// attributed to defaultSource.
func ParseMessage(payload []byte, defaultSource string) file.Line {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		var msg struct {
			Source string `json:"source"`
			Line   string `json:"line"`
		}
		if err := json.Unmarshal(payload, &msg); err == nil && msg.Line != "" {
			if msg.Source == "" {
				msg.Source = defaultSource
			}
			return file.Line{Source: msg.Source, Text: msg.Line}
		}
	}
	return file.Line{Source: defaultSource, Text: strings.TrimRight(string(payload), "\r\n")}
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
