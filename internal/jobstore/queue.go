package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sajid-bs23/sttprep-converter/internal/models"
)

const (
	defaultStream = "converter:jobs"
	defaultGroup  = "converter-workers"

	payloadField = "payload"
)

// QueueConfig configures the stream-backed work queue.
type QueueConfig struct {
	Stream   string
	Group    string
	Consumer string
	// Block bounds how long a single Dequeue waits for new work.
	Block time.Duration
	// VisibilityTimeout is the minimum idle time before an unacknowledged
	// delivery is claimed by another consumer. Must exceed the task hard
	// deadline.
	VisibilityTimeout time.Duration
	Logger            *slog.Logger
}

// Delivery is a dequeued submission together with its stream id, which the
// worker acknowledges once the task reaches a terminal outcome. Redelivered
// marks entries reclaimed from a consumer that went silent.
type Delivery struct {
	ID          string
	Submission  models.Submission
	Redelivered bool
}

// Queue is a FIFO work queue with visibility-timeout semantics built on a
// Redis stream and consumer group.
type Queue struct {
	client            *redis.Client
	stream            string
	group             string
	consumer          string
	block             time.Duration
	visibilityTimeout time.Duration
	logger            *slog.Logger
}

// NewQueue ensures the consumer group exists and returns the queue. An
// existing group is reused so multiple workers share deliveries.
func NewQueue(client *redis.Client, cfg QueueConfig) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = defaultStream
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = defaultGroup
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = "worker-" + uuid.NewString()
	}
	block := cfg.Block
	if block <= 0 {
		block = 2 * time.Second
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 8000 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	err := client.XGroupCreateMkStream(context.Background(), stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &Queue{
		client:            client,
		stream:            stream,
		group:             group,
		consumer:          consumer,
		block:             block,
		visibilityTimeout: visibility,
		logger:            logger,
	}, nil
}

// Enqueue appends the submission to the stream.
func (q *Queue) Enqueue(ctx context.Context, sub models.Submission) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{payloadField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", sub.JobID, err)
	}
	return nil
}

// Dequeue returns the next submission, preferring entries whose previous
// consumer has exceeded the visibility timeout. It returns (nil, nil) when no
// work arrived within the block window.
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	if delivery, err := q.claimStale(ctx); err != nil || delivery != nil {
		return delivery, err
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			return q.decode(ctx, msg, false)
		}
	}
	return nil, nil
}

func (q *Queue) claimStale(ctx context.Context) (*Delivery, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim stale deliveries: %w", err)
	}
	for _, msg := range msgs {
		return q.decode(ctx, msg, true)
	}
	return nil, nil
}

func (q *Queue) decode(ctx context.Context, msg redis.XMessage, redelivered bool) (*Delivery, error) {
	raw, _ := msg.Values[payloadField].(string)
	var sub models.Submission
	if err := json.Unmarshal([]byte(raw), &sub); err != nil || sub.JobID == "" {
		// A payload that cannot be decoded will never become runnable;
		// acknowledge it so it stops circulating.
		q.logger.Error("dropping malformed queue payload", "stream_id", msg.ID, "error", err)
		if ackErr := q.Ack(ctx, msg.ID); ackErr != nil {
			return nil, ackErr
		}
		return nil, nil
	}
	return &Delivery{ID: msg.ID, Submission: sub, Redelivered: redelivered}, nil
}

// Ack marks the delivery complete so it is never re-delivered.
func (q *Queue) Ack(ctx context.Context, deliveryID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, deliveryID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", deliveryID, err)
	}
	return nil
}

// Ping verifies broker reachability.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
