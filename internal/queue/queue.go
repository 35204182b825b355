package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrDuplicate is returned when an item with the same idempotency key was
// already enqueued within the dedup window. Callers absorb it silently.
var ErrDuplicate = errors.New("queue: duplicate item")

// dedupTTL bounds how long an idempotency key blocks re-enqueueing. Webhook
// redeliveries arrive within minutes; 24h is comfortably past that.
const dedupTTL = 24 * time.Hour

// Item is one unit of work on a named queue
type Item struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key,omitempty"` // idempotency key, optional
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// DeadItem wraps an item that exhausted its retry budget
type DeadItem struct {
	Item     Item      `json:"item"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Queue provides durable named queues backed by Redis: a pending list, a
// delayed sorted set for backoff and deferred work, a dedup keyspace and a
// dead-letter list per queue name.
type Queue struct {
	rdb *redis.Client
}

// New creates a queue over an existing Redis client
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func pendingKey(name string) string { return "queue:" + name + ":pending" }
func delayedKey(name string) string { return "queue:" + name + ":delayed" }
func deadKey(name string) string    { return "queue:" + name + ":dead" }
func seenKey(name, key string) string {
	return "queue:" + name + ":seen:" + key
}

// Enqueue pushes an item onto the named queue. Items carrying an idempotency
// key are deduplicated: a second enqueue within the dedup window returns
// ErrDuplicate without touching the pending list.
func (q *Queue) Enqueue(ctx context.Context, name string, item Item) error {
	if err := q.prepare(ctx, name, &item); err != nil {
		return err
	}
	return q.push(ctx, name, item)
}

// EnqueueDelayed schedules an item to become available after the given delay.
// Same dedup semantics as Enqueue.
func (q *Queue) EnqueueDelayed(ctx context.Context, name string, item Item, delay time.Duration) error {
	if err := q.prepare(ctx, name, &item); err != nil {
		return err
	}
	return q.pushDelayed(ctx, name, item, delay)
}

func (q *Queue) prepare(ctx context.Context, name string, item *Item) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	if item.Key != "" {
		ok, err := q.rdb.SetNX(ctx, seenKey(name, item.Key), item.ID, dedupTTL).Result()
		if err != nil {
			return fmt.Errorf("dedup check: %w", err)
		}
		if !ok {
			return ErrDuplicate
		}
	}
	return nil
}

func (q *Queue) push(ctx context.Context, name string, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	return q.rdb.LPush(ctx, pendingKey(name), data).Err()
}

func (q *Queue) pushDelayed(ctx context.Context, name string, item Item, delay time.Duration) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	return q.rdb.ZAdd(ctx, delayedKey(name), redis.Z{Score: score, Member: data}).Err()
}

// Requeue puts an already-dequeued item back with a delay, bypassing dedup.
// Used by workers for retry backoff.
func (q *Queue) Requeue(ctx context.Context, name string, item Item, delay time.Duration) error {
	return q.pushDelayed(ctx, name, item, delay)
}

// PromoteDue moves delayed items whose time has come onto the pending list.
// ZRem before LPush so concurrent promoters never double-move an item.
func (q *Queue) PromoteDue(ctx context.Context, name string) (int, error) {
	now := float64(time.Now().UnixMilli())
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey(name), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, delayedKey(name), m).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue // another promoter won the race
		}
		if err := q.rdb.LPush(ctx, pendingKey(name), m).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Dequeue pops the next pending item, or returns (nil, nil) when empty
func (q *Queue) Dequeue(ctx context.Context, name string) (*Item, error) {
	data, err := q.rdb.RPop(ctx, pendingKey(name)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var item Item
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &item, nil
}

// DeadLetter records an item that exhausted its retry budget
func (q *Queue) DeadLetter(ctx context.Context, name string, item Item, procErr error) error {
	dead := DeadItem{Item: item, Error: procErr.Error(), FailedAt: time.Now()}
	data, err := json.Marshal(dead)
	if err != nil {
		return fmt.Errorf("marshal dead item: %w", err)
	}
	return q.rdb.LPush(ctx, deadKey(name), data).Err()
}

// DeadLetters returns up to limit dead items for inspection, newest first
func (q *Queue) DeadLetters(ctx context.Context, name string, limit int64) ([]DeadItem, error) {
	raw, err := q.rdb.LRange(ctx, deadKey(name), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	items := make([]DeadItem, 0, len(raw))
	for _, r := range raw {
		var d DeadItem
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			continue
		}
		items = append(items, d)
	}
	return items, nil
}

// Depth returns the number of pending items, for monitoring and tests
func (q *Queue) Depth(ctx context.Context, name string) (int64, error) {
	return q.rdb.LLen(ctx, pendingKey(name)).Result()
}
