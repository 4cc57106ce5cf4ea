package transport

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/coin-bridge/internal/obslog"
	"github.com/park285/coin-bridge/internal/wallet"
)

const (
	// TopicCommands carries administrative commands from the bot front-end.
	TopicCommands = "commands"
	// TopicPresence carries player.join / player.leave signals.
	TopicPresence = "presence"
)

// TopicEvents is the per-user outbound update channel.
func TopicEvents(userID string) string { return "events:" + strings.TrimSpace(userID) }

// envelope wraps every published payload. The MD5 of the serialized message
// travels with it so subscribers can drop corrupted deliveries.
type envelope struct {
	Message    json.RawMessage `json:"message"`
	ContentMD5 string          `json:"contentMD5"`
}

// Handler consumes a decoded message body. Deliveries are at-least-once and
// unordered across users; handlers must tolerate replays.
type Handler func(ctx context.Context, body []byte)

// Bus is a typed publish/subscribe layer over Redis pub/sub. Safe for
// concurrent use.
type Bus struct {
	rdb        *redis.Client
	maxRetries int
}

type Option func(*Bus)

func WithMaxRetries(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxRetries = n
		}
	}
}

func NewBus(rdb *redis.Client, opts ...Option) *Bus {
	b := &Bus{rdb: rdb, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish serializes payload as canonical JSON, wraps it with an integrity
// hash and publishes it to topic, retrying with backoff up to maxRetries
// attempts.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	raw, err := wallet.CanonicalJSON(payload)
	if err != nil {
		return err
	}
	env := envelope{Message: raw, ContentMD5: contentMD5(raw)}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		err := b.rdb.Publish(ctx, topic, body).Err()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == b.maxRetries {
			break
		}
		if err := SleepWithContext(ctx, BackoffDuration(attempt)); err != nil {
			return lastErr
		}
	}
	return fmt.Errorf("publish %s: %w", topic, lastErr)
}

// Subscribe consumes topic until ctx is done, reconnecting with backoff when
// the subscription drops. Corrupted or undecodable deliveries are dropped,
// never surfaced as errors that would stall the topic.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler Handler) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := b.rdb.Subscribe(ctx, topic)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			attempt++
			obslog.L().Warn("transport_subscribe_retry",
				zap.String("topic", topic), zap.Int("attempt", attempt), zap.Error(err))
			if attempt >= b.maxRetries {
				attempt = b.maxRetries - 1
			}
			if SleepWithContext(ctx, BackoffDuration(attempt)) != nil {
				return
			}
			continue
		}
		attempt = 0

		ch := pubsub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				body, err := decodeEnvelope([]byte(msg.Payload))
				if err != nil {
					obslog.L().Debug("transport_drop_message",
						zap.String("topic", topic), zap.Error(err))
					continue
				}
				handler(ctx, body)
			}
		}
		_ = pubsub.Close()
	}
}

func decodeEnvelope(raw []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Message) == 0 {
		return nil, errors.New("empty envelope")
	}
	if env.ContentMD5 != "" && env.ContentMD5 != contentMD5(env.Message) {
		return nil, errors.New("integrity hash mismatch")
	}
	return env.Message, nil
}

func contentMD5(body []byte) string {
	sum := md5.Sum(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}
