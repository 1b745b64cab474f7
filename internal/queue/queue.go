// Package queue owns the delayed, retryable job queues backing the
// publishing engine. Each platform gets its own queue so a slow or
// rate-limited platform cannot starve the others; jobs are keyed by the
// schedule's stable job id so a schedule can never be queued twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/postpilothq/postpilot/internal/platform"
)

const (
	TaskTypePublishSchedule = "publish:schedule"
	TaskTypePublishPost     = "publish:post"

	// DefaultQueue carries post-level fan-out jobs that are not bound to a
	// single platform.
	DefaultQueue = "default"

	// MaxRetry counts redeliveries after the first, so a transiently failing
	// job gets three retries (1s, 2s, 4s) on top of the initial delivery.
	// Platform rejections do not consume retries, they are terminal.
	MaxRetry = 3

	// CompletedRetention keeps finished tasks around briefly for inspection
	// before asynq drops them; failed tasks land in the archive instead and
	// are purged by the cleanup job.
	CompletedRetention = 24 * time.Hour
)

// PublishSchedulePayload is the per-platform job unit, 1:1 with a Schedule.
type PublishSchedulePayload struct {
	ScheduleID int64  `json:"schedule_id"`
	PostID     int64  `json:"post_id"`
	Platform   string `json:"platform"`
	AccountID  int64  `json:"account_id"`
}

// PublishPostPayload fans out over every pending schedule of a post.
type PublishPostPayload struct {
	PostID    int64    `json:"post_id"`
	Platforms []string `json:"platforms"`
}

// QueueName maps a platform to its dedicated queue.
func QueueName(p platform.Platform) string {
	return string(p)
}

// Queues returns the asynq queue/weight map for the worker server. All
// queues weigh the same: per-platform isolation, no priorities.
func Queues() map[string]int {
	queues := map[string]int{DefaultQueue: 1}
	for _, p := range platform.All() {
		queues[QueueName(p)] = 1
	}
	return queues
}

// RetryDelay implements exponential backoff starting at one second and
// doubling each retry.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return time.Second << n
}

// Manager holds one handle per platform queue. It is constructed explicitly
// at startup and injected into the gateway and worker; Close is the owner's
// responsibility.
type Manager struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

func NewManager(redisOpt asynq.RedisClientOpt) *Manager {
	return &Manager{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
	}
}

// EnqueueSchedule queues one schedule's publish job on its platform queue.
// The job id doubles as the asynq task id, so re-enqueueing the same
// schedule is rejected rather than duplicated.
func (m *Manager) EnqueueSchedule(ctx context.Context, jobID string, payload PublishSchedulePayload, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypePublishSchedule, body)
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.Queue(payload.Platform),
		asynq.TaskID(jobID),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(MaxRetry),
		asynq.Retention(CompletedRetention),
	)
	if err != nil {
		slog.Info(err.Error())
		return err
	}

	slog.Info("job enqueued",
		"job_id", jobID,
		"queue", payload.Platform,
		"schedule_id", payload.ScheduleID,
		"delay", delay.String())
	return nil
}

// EnqueuePost queues an immediate post-level fan-out job.
func (m *Manager) EnqueuePost(ctx context.Context, jobID string, payload PublishPostPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypePublishPost, body)
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.Queue(DefaultQueue),
		asynq.TaskID(jobID),
		asynq.MaxRetry(MaxRetry),
		asynq.Retention(CompletedRetention),
	)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

// Cancel removes a queued job by id. Cancellation is best-effort: once a
// worker has claimed the job the delete misses and the publish proceeds;
// the worker's status check narrows that window. A job that is already gone
// is a no-op, not an error.
func (m *Manager) Cancel(jobID string, p platform.Platform) error {
	err := m.inspector.DeleteTask(QueueName(p), jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		// An active task cannot be deleted; that is the documented
		// cancellation race, the publish proceeds.
		slog.Info(err.Error())
		return nil
	}
	slog.Info("job cancelled", "job_id", jobID, "queue", QueueName(p))
	return nil
}

// Inspector exposes the underlying inspector for the cleanup job.
func (m *Manager) Inspector() *asynq.Inspector {
	return m.inspector
}

func (m *Manager) Close() error {
	if err := m.client.Close(); err != nil {
		return err
	}
	return m.inspector.Close()
}
