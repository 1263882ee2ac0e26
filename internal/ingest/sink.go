package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel progress events are published on.
const DefaultChannel = "ridecast:progress"

// Sink receives progress events as they are produced.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// WriterSink prints one line per event.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) Publish(_ context.Context, ev Event) error {
	_, err := fmt.Fprintln(s.W, ev.String())
	return err
}

// RedisSink publishes events as JSON for a dashboard observer.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects to the Redis instance at url.
func NewRedisSink(url, channel string) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{client: redis.NewClient(opts), channel: channel}, nil
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("publish progress to %s: %w", s.channel, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
