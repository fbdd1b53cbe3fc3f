// Package queue implements the job queue contract workers drain: a
// Redis list carrying {jobKind, reviewId, enqueuedAt, attempt} messages,
// built on the same go-redis client the cache package uses for locks.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// JobKind enumerates the orchestrators a queue message can target.
type JobKind string

const (
	JobKindAIReview               JobKind = "AIReview"
	JobKindRiskAnalysis           JobKind = "RiskAnalysis"
	JobKindImprovementSuggestions JobKind = "ImprovementSuggestions"
	JobKindPRSummary              JobKind = "PRSummary"
	JobKindComprehensive          JobKind = "Comprehensive"
)

// Message is one queue entry: a job to run against a review.
type Message struct {
	JobKind    JobKind `json:"jobKind"`
	ReviewID   string  `json:"reviewId"`
	EnqueuedAt int64   `json:"enqueuedAt"`
	Attempt    int     `json:"attempt"`
}

// ErrEmpty is returned by Dequeue when no message arrived within the
// poll timeout; callers should loop rather than treat it as fatal.
var ErrEmpty = errors.New("queue: empty")

// Queue is a single-list FIFO job queue over Redis.
type Queue struct {
	client *redis.Client
	key    string
}

// New builds a Queue backed by client, storing messages under key.
func New(client *redis.Client, key string) *Queue {
	if key == "" {
		key = "AIReview:jobs"
	}
	return &Queue{client: client, key: key}
}

// Enqueue appends msg to the tail of the queue.
func (q *Queue) Enqueue(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next message, returning ErrEmpty
// if none arrives. A zero timeout blocks indefinitely (or until ctx is
// cancelled).
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Message, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, ErrEmpty
	}
	if err != nil {
		return Message{}, fmt.Errorf("queue: dequeue: %w", err)
	}
	// BLPop returns [key, value].
	if len(res) != 2 {
		return Message{}, fmt.Errorf("queue: unexpected BLPOP reply shape")
	}
	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return Message{}, fmt.Errorf("queue: unmarshal message: %w", err)
	}
	return msg, nil
}

// Requeue appends msg back to the tail with its attempt count
// incremented, used when a handler reports a transient failure.
func (q *Queue) Requeue(ctx context.Context, msg Message) error {
	msg.Attempt++
	return q.Enqueue(ctx, msg)
}
