package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/orchestrator"
)

// RedisMirror appends task events to one Redis stream per task so that
// other processes can follow a task or replay it after a restart.
type RedisMirror struct {
	client *redis.Client
	prefix string
	maxLen int64
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisMirror(client *redis.Client, prefix string, maxLen int64, ttl time.Duration, logger *zap.Logger) *RedisMirror {
	if prefix == "" {
		prefix = "research:events"
	}
	if maxLen <= 0 {
		maxLen = 256
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{client: client, prefix: prefix, maxLen: maxLen, ttl: ttl, logger: logger}
}

func (r *RedisMirror) streamKey(taskID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, taskID)
}

// HandleEvent appends ev to the task stream. The stream entry id is the
// event sequence so replays can resume from a Last-Event-ID.
func (r *RedisMirror) HandleEvent(ctx context.Context, ev orchestrator.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := r.streamKey(ev.TaskID)
	pipe := r.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: r.maxLen,
		Approx: true,
		ID:     fmt.Sprintf("%d-0", ev.Seq),
		Values: map[string]interface{}{
			"phase":   ev.Phase.String(),
			"payload": string(payload),
		},
	})
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("Failed to mirror event to Redis",
			zap.String("task_id", ev.TaskID), zap.Uint64("seq", ev.Seq), zap.Error(err))
		return err
	}
	return nil
}

// ReplaySince reads the mirrored events of taskID with Seq > since.
func (r *RedisMirror) ReplaySince(ctx context.Context, taskID string, since uint64) ([]orchestrator.Event, error) {
	start := "-"
	if since > 0 {
		// Entries are stored as "<seq>-0", so "<since>-1" excludes since.
		start = strconv.FormatUint(since, 10) + "-1"
	}
	msgs, err := r.client.XRange(ctx, r.streamKey(taskID), start, "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]orchestrator.Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var ev orchestrator.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			r.logger.Warn("Skipping malformed mirrored event", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
