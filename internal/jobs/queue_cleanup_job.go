package job

import (
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/postpilothq/postpilot/internal/platform"
	"github.com/postpilothq/postpilot/internal/queue"
)

// failedRetention is how long archived (failed) tasks stay inspectable before
// the cleanup sweep drops them. Completed tasks expire on their own through
// the enqueue-time retention option.
const failedRetention = 7 * 24 * time.Hour

type QueueCleanupJob struct {
	inspector *asynq.Inspector
}

func NewQueueCleanupJob(inspector *asynq.Inspector) *QueueCleanupJob {
	return &QueueCleanupJob{inspector: inspector}
}

// Cleanup sweeps every platform queue plus the default queue and deletes
// archived tasks older than the retention window.
func (c *QueueCleanupJob) Cleanup() {
	cutoff := time.Now().Add(-failedRetention)

	queues := []string{queue.DefaultQueue}
	for _, p := range platform.All() {
		queues = append(queues, queue.QueueName(p))
	}

	for _, q := range queues {
		tasks, err := c.inspector.ListArchivedTasks(q, asynq.PageSize(100))
		if err != nil {
			slog.Info(err.Error())
			continue
		}

		removed := 0
		for _, task := range tasks {
			if task.LastFailedAt.After(cutoff) {
				continue
			}
			if err := c.inspector.DeleteTask(q, task.ID); err != nil {
				slog.Info(err.Error())
				continue
			}
			removed++
		}
		if removed > 0 {
			slog.Info("purged archived tasks", "queue", q, "count", removed)
		}
	}
}
