package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis stream sink.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen trims the stream approximately; zero leaves it untrimmed.
	MaxLen int64
}

// RedisSink publishes one stream entry per alert with XADD.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects to Redis and checks the connection.
func NewRedisSink(ctx context.Context, opts RedisOptions) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &RedisSink{client: client, stream: opts.Stream, maxLen: opts.MaxLen}, nil
}

// Write appends every alert of r to the stream in one pipeline.
func (s *RedisSink) Write(ctx context.Context, r Report) error {
	entries, err := streamEntries(r, s.stream, s.maxLen)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, e := range entries {
		pipe.XAdd(ctx, e)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.stream, err)
	}
	return nil
}

// Ping checks the connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// streamEntries builds the XADD arguments for r, one per alert in order.
func streamEntries(r Report, stream string, maxLen int64) ([]*redis.XAddArgs, error) {
	out := make([]*redis.XAddArgs, 0, len(r.Alerts))
	for i, a := range r.Alerts {
		values := map[string]any{
			"run_id":  r.RunID,
			"host":    r.Host,
			"ordinal": strconv.Itoa(i),
			"kind":    string(a.Kind),
			"subject": a.Subject,
			"reason":  a.Reason,
			"source":  string(a.Source),
		}
		if a.RuleName != "" {
			values["rule_name"] = a.RuleName
		}
		if len(a.Tags) > 0 {
			b, err := json.Marshal(a.Tags)
			if err != nil {
				return nil, err
			}
			values["tags"] = string(b)
		}
		if len(a.Metadata) > 0 {
			b, err := json.Marshal(a.Metadata)
			if err != nil {
				return nil, err
			}
			values["metadata"] = string(b)
		}
		args := &redis.XAddArgs{Stream: stream, Values: values}
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
		out = append(out, args)
	}
	return out, nil
}
