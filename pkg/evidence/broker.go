package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	queueKey        = "evidence:queue"
	resultKeyPrefix = "evidence:task:"

	// resultTTL bounds how long a terminal result stays consultable.
	resultTTL = 24 * time.Hour
)

// Task is the unit of work pushed onto the queue.
type Task struct {
	TaskID        string    `json:"task_id"`
	TenantID      string    `json:"tenant_id"`
	PackID        string    `json:"pack_id"`
	CertificateID string    `json:"certificate_id"`
	Formats       []string  `json:"formats"`
	CorrelationID string    `json:"correlation_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// TaskResult is the state record kept in the result backend. Terminal
// SUCCESS results carry the artifact references so a poll can repair a
// row whose worker-side write was lost.
type TaskResult struct {
	State          string            `json:"state"`
	StorageKeys    map[string]string `json:"storage_keys,omitempty"`
	ArtifactHashes map[string]string `json:"artifact_hashes,omitempty"`
	ArtifactSizes  map[string]int64  `json:"artifact_sizes,omitempty"`
	ErrorCode      string            `json:"error_code,omitempty"`
}

// TaskID derives the deterministic task identity for one request. Equal
// (tenant, certificate, sorted formats) triples always map to the same
// task, which is what makes enqueueing idempotent.
func TaskID(tenantID, certificateID string, formats []string) string {
	pre := tenantID + "|" + certificateID + "|" + strings.Join(formats, ",")
	sum := sha256.Sum256([]byte(pre))
	return "evidence_pack_" + hex.EncodeToString(sum[:])[:32]
}

// RetryTaskID suffixes a task id for an explicit requeue, so the retry
// is distinguishable from the original in the result backend.
func RetryTaskID(taskID string, now time.Time) string {
	return fmt.Sprintf("%s_retry_%d", taskID, now.Unix())
}

// Broker moves tasks through Redis: a list as the work queue and
// per-task keys as the result backend.
type Broker struct {
	client *redis.Client
}

// NewBroker creates a broker over an existing Redis client.
func NewBroker(client *redis.Client) *Broker {
	return &Broker{client: client}
}

// Enqueue pushes the task onto the work queue.
func (b *Broker) Enqueue(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("evidence: failed to encode task: %w", err)
	}
	if err := b.client.LPush(ctx, queueKey, payload).Err(); err != nil {
		return fmt.Errorf("evidence: failed to enqueue task: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task. A quiet queue returns
// (nil, nil) so callers can loop on their context.
func (b *Broker) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	vals, err := b.client.BRPop(ctx, timeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: failed to dequeue task: %w", err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("evidence: unexpected queue reply of %d values", len(vals))
	}
	var task Task
	if err := json.Unmarshal([]byte(vals[1]), &task); err != nil {
		return nil, fmt.Errorf("evidence: failed to decode task: %w", err)
	}
	return &task, nil
}

// SetResult stores the task's current state record.
func (b *Broker) SetResult(ctx context.Context, taskID string, res *TaskResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("evidence: failed to encode task result: %w", err)
	}
	if err := b.client.Set(ctx, resultKeyPrefix+taskID, payload, resultTTL).Err(); err != nil {
		return fmt.Errorf("evidence: failed to store task result: %w", err)
	}
	return nil
}

// SetState stores a bare state transition.
func (b *Broker) SetState(ctx context.Context, taskID, state string) error {
	return b.SetResult(ctx, taskID, &TaskResult{State: state})
}

// Result reads the task's state record. A task with no record yet (or
// whose record expired) reports PENDING, matching task-framework
// semantics for unknown ids.
func (b *Broker) Result(ctx context.Context, taskID string) (*TaskResult, error) {
	raw, err := b.client.Get(ctx, resultKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return &TaskResult{State: TaskPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: failed to read task result: %w", err)
	}
	var res TaskResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("evidence: failed to decode task result: %w", err)
	}
	return &res, nil
}
