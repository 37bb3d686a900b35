package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeTrainStart         = "train:start"
	TypeTrainPoll          = "train:poll"
	TypeGenerationStart    = "generation:start"
	TypeGenerationPoll     = "generation:poll"
	TypeGenerationFinalize = "generation:finalize"
	TypeSweep              = "maintenance:sweep"

	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Retry budgets per task type. Polls retry more because each attempt is a
// cheap GET and Replicate hiccups are common.
const (
	maxRetryStart    = 5
	maxRetryPoll     = 30
	maxRetryFinalize = 5
	maxRetrySweep    = 1
)

// Queues maps queue name to priority for asynq.Config.
var Queues = map[string]int{QueueCritical: 6, QueueDefault: 3, QueueLow: 1}

// Payload identifies the row a task works on. Seq distinguishes successive
// polls of the same row so each gets its own task id.
type Payload struct {
	ID  uuid.UUID `json:"id"`
	Seq int64     `json:"seq,omitempty"`
}

func taskID(typ string, id uuid.UUID, seq int64) string {
	if seq == 0 {
		return typ + ":" + id.String()
	}
	return fmt.Sprintf("%s:%s:%d", typ, id, seq)
}

func newTask(typ string, p Payload, opts ...asynq.Option) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.TaskID(taskID(typ, p.ID, p.Seq))}, opts...)
	return asynq.NewTask(typ, b, opts...), nil
}

func NewGenerationStartTask(id uuid.UUID) (*asynq.Task, error) {
	return newTask(TypeGenerationStart, Payload{ID: id},
		asynq.Queue(QueueCritical), asynq.MaxRetry(maxRetryStart), asynq.Timeout(time.Minute))
}

func NewGenerationPollTask(id uuid.UUID, seq int64) (*asynq.Task, error) {
	return newTask(TypeGenerationPoll, Payload{ID: id, Seq: seq},
		asynq.Queue(QueueDefault), asynq.MaxRetry(maxRetryPoll), asynq.Timeout(30*time.Second))
}

func NewGenerationFinalizeTask(id uuid.UUID) (*asynq.Task, error) {
	return newTask(TypeGenerationFinalize, Payload{ID: id},
		asynq.Queue(QueueDefault), asynq.MaxRetry(maxRetryFinalize), asynq.Timeout(5*time.Minute))
}

func NewTrainStartTask(id uuid.UUID) (*asynq.Task, error) {
	return newTask(TypeTrainStart, Payload{ID: id},
		asynq.Queue(QueueCritical), asynq.MaxRetry(maxRetryStart), asynq.Timeout(2*time.Minute))
}

func NewTrainPollTask(id uuid.UUID, seq int64) (*asynq.Task, error) {
	return newTask(TypeTrainPoll, Payload{ID: id, Seq: seq},
		asynq.Queue(QueueDefault), asynq.MaxRetry(maxRetryPoll), asynq.Timeout(30*time.Second))
}

// NewSweepTask has no task id; the scheduler fires it once a minute.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSweep, nil,
		asynq.Queue(QueueLow), asynq.MaxRetry(maxRetrySweep), asynq.Timeout(time.Minute))
}

// ParsePayload decodes a task payload. A malformed payload will never parse,
// so the error skips retries.
func ParsePayload(t *asynq.Task) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("%s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if p.ID == uuid.Nil {
		return p, fmt.Errorf("%s payload: missing id: %w", t.Type(), asynq.SkipRetry)
	}
	return p, nil
}

// Enqueuer puts tasks on the queue. Task ids make every enqueue idempotent:
// a conflict means the same work is already pending and counts as success.
type Enqueuer struct {
	Client *asynq.Client
}

func NewEnqueuer(c *asynq.Client) *Enqueuer {
	return &Enqueuer{Client: c}
}

func (e *Enqueuer) enqueue(ctx context.Context, t *asynq.Task, err error, opts ...asynq.Option) error {
	if err != nil {
		return err
	}
	if e == nil || e.Client == nil {
		return errors.New("queue not configured")
	}
	_, err = e.Client.EnqueueContext(ctx, t, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

func (e *Enqueuer) EnqueueGenerationStart(ctx context.Context, id uuid.UUID) error {
	t, err := NewGenerationStartTask(id)
	return e.enqueue(ctx, t, err)
}

func (e *Enqueuer) EnqueueGenerationPoll(ctx context.Context, id uuid.UUID, seq int64, delay time.Duration) error {
	t, err := NewGenerationPollTask(id, seq)
	return e.enqueue(ctx, t, err, asynq.ProcessIn(delay))
}

func (e *Enqueuer) EnqueueFinalize(ctx context.Context, id uuid.UUID) error {
	t, err := NewGenerationFinalizeTask(id)
	return e.enqueue(ctx, t, err)
}

func (e *Enqueuer) EnqueueTrainStart(ctx context.Context, id uuid.UUID) error {
	t, err := NewTrainStartTask(id)
	return e.enqueue(ctx, t, err)
}

func (e *Enqueuer) EnqueueTrainPoll(ctx context.Context, id uuid.UUID, seq int64, delay time.Duration) error {
	t, err := NewTrainPollTask(id, seq)
	return e.enqueue(ctx, t, err, asynq.ProcessIn(delay))
}
