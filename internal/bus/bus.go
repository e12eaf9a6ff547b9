package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edumagiceco/graphrag/pkg/logger"
)

// eventTTL bounds how long polled state survives; events expire after
// 24 hours.
const eventTTL = 24 * time.Hour

// ProgressEvent is the ingestion progress payload keyed by document id.
type ProgressEvent struct {
	Progress int    `json:"progress"`
	Stage    string `json:"stage"`
	Error    string `json:"error,omitempty"`
}

// Bus is the process-wide keyed pub/sub channel. Polled state is
// last-writer-wins; subscribers get at-least-once delivery in publish
// order within one key.
type Bus struct {
	rdb *redis.Client
}

func New(host string, port int, password string, db int) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Bus initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Bus{rdb: rdb}, nil
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}

func progressKey(documentID string) string { return "doc_progress:" + documentID }

func progressChannel(documentID string) string { return "progress:" + documentID }

func cancelKey(key string) string { return "cancel:" + key }

// PublishProgress stores the latest state for polling and fans it out
// to subscribers. The relational write happens before this call.
func (b *Bus) PublishProgress(ctx context.Context, documentID string, ev ProgressEvent) error {
	fields := map[string]interface{}{
		"progress": ev.Progress,
		"stage":    ev.Stage,
	}
	if ev.Error != "" {
		fields["error"] = ev.Error
	}

	if err := b.rdb.HSet(ctx, progressKey(documentID), fields).Err(); err != nil {
		return fmt.Errorf("failed to store progress: %w", err)
	}
	if err := b.rdb.Expire(ctx, progressKey(documentID), eventTTL).Err(); err != nil {
		return fmt.Errorf("failed to expire progress: %w", err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	if err := b.rdb.Publish(ctx, progressChannel(documentID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}

	logger.Debug("Progress published",
		zap.String("document_id", documentID),
		zap.Int("progress", ev.Progress),
		zap.String("stage", ev.Stage),
	)
	return nil
}

// Progress polls the last-writer-wins state for a document. The second
// return is false when nothing has been published (or it expired).
func (b *Bus) Progress(ctx context.Context, documentID string) (ProgressEvent, bool, error) {
	fields, err := b.rdb.HGetAll(ctx, progressKey(documentID)).Result()
	if err != nil {
		return ProgressEvent{}, false, fmt.Errorf("failed to poll progress: %w", err)
	}
	if len(fields) == 0 {
		return ProgressEvent{}, false, nil
	}

	var ev ProgressEvent
	fmt.Sscanf(fields["progress"], "%d", &ev.Progress)
	ev.Stage = fields["stage"]
	ev.Error = fields["error"]
	return ev, true, nil
}

// SubscribeProgress streams progress events for one document until the
// returned stop func is called or ctx ends.
func (b *Bus) SubscribeProgress(ctx context.Context, documentID string) (<-chan ProgressEvent, func()) {
	sub := b.rdb.Subscribe(ctx, progressChannel(documentID))
	out := make(chan ProgressEvent, 16)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("Dropping malformed progress event", zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { sub.Close() }
}

// SignalCancel marks a key cancelled. Readers poll between tokens (or
// between pipeline stages); presence of the key is the signal.
func (b *Bus) SignalCancel(ctx context.Context, key string) error {
	if err := b.rdb.Set(ctx, cancelKey(key), "1", eventTTL).Err(); err != nil {
		return fmt.Errorf("failed to signal cancel: %w", err)
	}
	logger.Info("Cancellation signalled", zap.String("key", key))
	return nil
}

// Cancelled reports whether a cancel signal exists for the key. Errors
// read as not-cancelled: a flaky bus must not kill a healthy stream.
func (b *Bus) Cancelled(ctx context.Context, key string) bool {
	n, err := b.rdb.Exists(ctx, cancelKey(key)).Result()
	if err != nil {
		logger.Warn("Cancel poll failed", zap.Error(err), zap.String("key", key))
		return false
	}
	return n > 0
}

func (b *Bus) ClearCancel(ctx context.Context, key string) error {
	if err := b.rdb.Del(ctx, cancelKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to clear cancel: %w", err)
	}
	return nil
}
