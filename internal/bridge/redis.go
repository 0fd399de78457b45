package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antoniostano/rtvoice/internal/observability"
)

// RedisConfig holds configuration for the Redis stream publisher.
type RedisConfig struct {
	URL    string
	Prefix string
	// MaxLen bounds each session stream approximately; 0 keeps everything.
	MaxLen int64
}

// RedisPublisher appends notifications to one Redis stream per session.
type RedisPublisher struct {
	rdb     *redis.Client
	prefix  string
	maxLen  int64
	metrics *observability.Metrics
}

// NewRedisPublisher connects and pings Redis before returning.
func NewRedisPublisher(cfg RedisConfig, metrics *observability.Metrics) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "rtvoice"
	}
	maxLen := cfg.MaxLen
	if maxLen == 0 {
		maxLen = 10000
	}
	return &RedisPublisher{rdb: rdb, prefix: prefix, maxLen: maxLen, metrics: metrics}, nil
}

// Stream returns the stream key for sessionID.
func (p *RedisPublisher) Stream(sessionID string) string {
	return p.prefix + ":session:" + sessionID
}

func (p *RedisPublisher) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.Stream(n.SessionID),
		Values: map[string]interface{}{
			"type":    string(n.Type),
			"payload": payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		p.metrics.ObserveNotification("redis_error", string(n.Type))
		return fmt.Errorf("xadd failed: %w", err)
	}
	p.metrics.ObserveNotification("redis", string(n.Type))
	return nil
}

// Read returns up to count notifications of sessionID starting after id
// ("0" for the beginning), with the id of the last one read.
func (p *RedisPublisher) Read(ctx context.Context, sessionID, after string, count int64) ([]Notification, string, error) {
	if after == "" {
		after = "0"
	}
	streams, err := p.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{p.Stream(sessionID), after},
		Count:   count,
		Block:   -1,
	}).Result()
	if err == redis.Nil {
		return nil, after, nil
	}
	if err != nil {
		return nil, after, fmt.Errorf("xread failed: %w", err)
	}

	var out []Notification
	last := after
	for _, s := range streams {
		for _, msg := range s.Messages {
			last = msg.ID
			raw, _ := msg.Values["payload"].(string)
			var n Notification
			if err := json.Unmarshal([]byte(raw), &n); err != nil {
				continue
			}
			out = append(out, n)
		}
	}
	return out, last, nil
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
