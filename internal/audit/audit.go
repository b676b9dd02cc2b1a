// Package audit records governance events to a Redis stream. The
// trail is append-only; every lifecycle transition and invocation
// lands here with enough context to reconstruct who admitted what.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const stream = "skillgate:audit"

// Event is one audit entry.
type Event struct {
	Action     string    `json:"action"`
	ProposalID string    `json:"proposal_id,omitempty"`
	Skill      string    `json:"skill,omitempty"`
	Version    int       `json:"version,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Trail appends governance events to Redis. A nil Trail records
// nothing, so callers never need to branch on whether auditing is
// configured.
type Trail struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewTrail connects to Redis and verifies the connection.
func NewTrail(redisURL string, logger *zap.Logger) (*Trail, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Trail{rdb: rdb, logger: logger}, nil
}

// Record appends an event. Failures are logged, never surfaced: an
// unavailable audit store must not block governance decisions.
func (t *Trail) Record(ctx context.Context, ev Event) {
	if t == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.logger.Warn("marshal audit event", zap.Error(err))
		return
	}
	err = t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		t.logger.Warn("append audit event", zap.String("action", ev.Action), zap.Error(err))
		return
	}
	t.logger.Debug("audit", zap.String("action", ev.Action), zap.String("skill", ev.Skill))
}

// Recent returns the latest n events, newest first.
func (t *Trail) Recent(ctx context.Context, n int64) ([]Event, error) {
	if t == nil {
		return nil, nil
	}
	msgs, err := t.rdb.XRevRangeN(ctx, stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read audit stream: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close releases the Redis connection.
func (t *Trail) Close() {
	if t != nil {
		t.rdb.Close()
	}
}
