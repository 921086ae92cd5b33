package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/terrarover/pkg/types"
)

func newTestSink(t *testing.T) (*Sink, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	s, err := New(context.Background(), Config{Addr: mr.Addr(), TTL: 30 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestNew_RequiresAddr(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("New without address = nil error, want error")
	}
}

func TestNew_PingFailure(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := New(ctx, Config{Addr: addr}); err == nil {
		t.Error("New against a closed server = nil error, want error")
	}
}

func TestPublish_SetsLatestWithTTL(t *testing.T) {
	s, mr := newTestSink(t)
	ctx := context.Background()

	if _, ok, err := s.Latest(ctx); err != nil || ok {
		t.Fatalf("Latest before publish = ok %v err %v, want false nil", ok, err)
	}

	r := types.DetectionResult{Epoch: 1, Seq: 9, Detections: []types.Detection{{Label: "person", Confidence: 0.8}}}
	if err := s.Publish(ctx, r); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, ok, err := s.Latest(ctx)
	if err != nil || !ok {
		t.Fatalf("Latest = ok %v err %v", ok, err)
	}
	if got.FrameKey() != "1:9" {
		t.Errorf("FrameKey = %q, want 1:9", got.FrameKey())
	}
	if len(got.Detections) != 1 || got.Detections[0].Label != "person" {
		t.Errorf("Detections = %v", got.Detections)
	}
	if ttl := mr.TTL(defaultLatestKey); ttl != 30*time.Second {
		t.Errorf("TTL = %v, want 30s", ttl)
	}

	mr.FastForward(31 * time.Second)
	if _, ok, _ := s.Latest(ctx); ok {
		t.Error("Latest after TTL still present")
	}
}

func TestPublish_ReachesSubscribers(t *testing.T) {
	s, mr := newTestSink(t)
	ctx := context.Background()

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sub := client.Subscribe(ctx, s.Channel())
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := s.Publish(ctx, types.DetectionResult{Epoch: 4, Seq: 2}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got types.DetectionResult
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if got.FrameKey() != "4:2" {
			t.Errorf("FrameKey = %q, want 4:2", got.FrameKey())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestPing(t *testing.T) {
	s, mr := newTestSink(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	mr.SetError("LOADING")
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping with server error = nil, want error")
	}
}
