package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"c3d/models"
)

// Queue pushes triggers onto the pending list consumed by Pool workers.
type Queue struct {
	client  *redis.Client
	pending string
}

func NewQueue(client *redis.Client, pendingQueue string) *Queue {
	return &Queue{client: client, pending: pendingQueue}
}

func (q *Queue) Enqueue(ctx context.Context, t models.Trigger) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode trigger: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue trigger: %w", err)
	}
	return nil
}
