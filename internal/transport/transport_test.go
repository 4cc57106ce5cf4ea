package transport

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T) (*Bus, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewBus(rdb), rdb
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan []byte, 1)
	go bus.Subscribe(ctx, "commands", func(_ context.Context, body []byte) {
		select {
		case got <- body:
		default:
		}
	})

	// Give the subscriber a moment to attach before publishing.
	time.Sleep(100 * time.Millisecond)

	payload := map[string]any{"type": "economy.command", "payload": map[string]any{"txnId": "A"}}
	if err := bus.Publish(ctx, "commands", payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case body := <-got:
		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err != nil {
			t.Fatalf("unmarshal delivered body: %v", err)
		}
		if decoded["type"] != "economy.command" {
			t.Fatalf("unexpected delivery: %s", body)
		}
	case <-ctx.Done():
		t.Fatalf("no delivery before timeout")
	}
}

func TestSubscribeDropsCorruptedEnvelope(t *testing.T) {
	bus, rdb := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan []byte, 2)
	go bus.Subscribe(ctx, "commands", func(_ context.Context, body []byte) { got <- body })
	time.Sleep(100 * time.Millisecond)

	// Tampered integrity hash and raw garbage are both silently dropped.
	bad, _ := json.Marshal(envelope{Message: []byte(`{"x":1}`), ContentMD5: "definitely-wrong"})
	if err := rdb.Publish(ctx, "commands", bad).Err(); err != nil {
		t.Fatalf("publish bad: %v", err)
	}
	if err := rdb.Publish(ctx, "commands", "not json at all").Err(); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}
	if err := bus.Publish(ctx, "commands", map[string]any{"ok": true}); err != nil {
		t.Fatalf("publish good: %v", err)
	}

	select {
	case body := <-got:
		if !strings.Contains(string(body), `"ok":true`) {
			t.Fatalf("expected only the valid message, got %s", body)
		}
	case <-ctx.Done():
		t.Fatalf("valid message never delivered")
	}
}

func TestTopicEvents(t *testing.T) {
	if TopicEvents(" u1 ") != "events:u1" {
		t.Fatalf("unexpected topic: %q", TopicEvents(" u1 "))
	}
}

func TestBackoffBounds(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 4; attempt++ {
		base := time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
		for i := 0; i < 20; i++ {
			d := BackoffDuration(attempt)
			if d < base || d >= base+100*time.Millisecond {
				t.Fatalf("attempt %d: %v outside [%v, %v)", attempt, d, base, base+100*time.Millisecond)
			}
		}
		if base <= prev {
			t.Fatalf("backoff not doubling at attempt %d", attempt)
		}
		prev = base
	}
}

func TestRetryAfter(t *testing.T) {
	if d, ok := RetryAfter("3"); !ok || d != 3*time.Second {
		t.Fatalf("delta-seconds: %v %v", d, ok)
	}
	if _, ok := RetryAfter(""); ok {
		t.Fatalf("empty value should not parse")
	}
	if _, ok := RetryAfter("soon"); ok {
		t.Fatalf("garbage should not parse")
	}
	future := time.Now().Add(2 * time.Second).UTC().Format(time.RFC1123)
	if d, ok := RetryAfter(future); !ok || d <= 0 || d > 3*time.Second {
		t.Fatalf("http-date: %v %v", d, ok)
	}
}
