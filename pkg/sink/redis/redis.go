// Package redis publishes detection results to Redis.
//
// Each result is sent as JSON on a pub/sub channel for live consumers and
// stored under a "latest" key with a TTL, so a late joiner can read the most
// recent annotation without subscribing.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/terrarover/pkg/sink"
	"github.com/MrWong99/terrarover/pkg/types"
)

const (
	defaultChannel   = "terrarover:detections"
	defaultLatestKey = "terrarover:detections:latest"
	defaultTTL       = time.Minute
)

// Config configures the Redis sink.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Channel is the pub/sub channel. Default "terrarover:detections".
	Channel string

	// LatestKey holds the most recent result. Default
	// "terrarover:detections:latest".
	LatestKey string

	// TTL is the expiry of LatestKey. Default 1m.
	TTL time.Duration
}

// Sink is a [sink.Sink] backed by go-redis.
type Sink struct {
	client    *redis.Client
	channel   string
	latestKey string
	ttl       time.Duration
}

// Compile-time interface check.
var _ sink.Sink = (*Sink)(nil)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis sink: address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis sink: ping: %w", err)
	}

	s := &Sink{
		client:    client,
		channel:   cfg.Channel,
		latestKey: cfg.LatestKey,
		ttl:       cfg.TTL,
	}
	if s.channel == "" {
		s.channel = defaultChannel
	}
	if s.latestKey == "" {
		s.latestKey = defaultLatestKey
	}
	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}
	return s, nil
}

// Publish sends r on the channel and updates the latest key in one
// round trip.
func (s *Sink) Publish(ctx context.Context, r types.DetectionResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis sink: marshal: %w", err)
	}
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, s.channel, data)
		p.Set(ctx, s.latestKey, data, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis sink: publish %s: %w", r.FrameKey(), err)
	}
	return nil
}

// Latest returns the most recent stored result. ok is false when the key is
// missing or expired.
func (s *Sink) Latest(ctx context.Context) (r types.DetectionResult, ok bool, err error) {
	data, err := s.client.Get(ctx, s.latestKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.DetectionResult{}, false, nil
	}
	if err != nil {
		return types.DetectionResult{}, false, fmt.Errorf("redis sink: get latest: %w", err)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return types.DetectionResult{}, false, fmt.Errorf("redis sink: decode latest: %w", err)
	}
	return r, true, nil
}

// Channel returns the pub/sub channel name.
func (s *Sink) Channel() string { return s.channel }

// Ping checks the connection. It satisfies health.Checker.Check.
func (s *Sink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Sink) Close() error {
	return s.client.Close()
}
