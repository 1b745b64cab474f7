// Package worker consumes publish jobs off the platform queues and drives
// each schedule through its lifecycle: pending, processing, then completed or
// failed. A schedule is claimed with a compare-and-swap so a cancellation that
// lands first wins, and sibling schedules of the same post never affect each
// other's outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/postpilothq/postpilot/internal/models"
	"github.com/postpilothq/postpilot/internal/platform"
	"github.com/postpilothq/postpilot/internal/queue"
	"github.com/postpilothq/postpilot/internal/recurrence"
	"github.com/postpilothq/postpilot/internal/repository"
	"github.com/postpilothq/postpilot/internal/taskgroup"
	"github.com/postpilothq/postpilot/pkg/utils"
)

// fanOutLimit bounds concurrent platform calls inside one post-level job.
const fanOutLimit = 4

// Enqueuer re-arms recurring schedules after a successful publish.
type Enqueuer interface {
	EnqueueSchedule(ctx context.Context, jobID string, payload queue.PublishSchedulePayload, delay time.Duration) error
}

type Worker struct {
	sr       repository.ScheduleRepository
	pr       repository.PostRepository
	ac       repository.SocialAccountRepository
	pm       repository.PostMediaRepository
	ar       repository.MediaAssetRepository
	registry *platform.Registry
	q        Enqueuer
	secret   []byte
}

func NewWorker(
	sr repository.ScheduleRepository,
	pr repository.PostRepository,
	ac repository.SocialAccountRepository,
	pm repository.PostMediaRepository,
	ar repository.MediaAssetRepository,
	registry *platform.Registry,
	q Enqueuer,
	secret []byte) *Worker {
	return &Worker{
		sr:       sr,
		pr:       pr,
		ac:       ac,
		pm:       pm,
		ar:       ar,
		registry: registry,
		q:        q,
		secret:   secret,
	}
}

// Mux registers the worker's task handlers.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskTypePublishSchedule, w.HandlePublishSchedule)
	mux.HandleFunc(queue.TaskTypePublishPost, w.HandlePublishPost)
	return mux
}

// HandlePublishSchedule publishes one schedule to its platform. Platform
// rejections are terminal and skip queue retries; everything else is handed
// back to the queue for backoff, and the schedule is only marked failed once
// the last attempt is spent.
func (w *Worker) HandlePublishSchedule(ctx context.Context, task *asynq.Task) error {
	var payload queue.PublishSchedulePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("malformed payload: %v: %w", err, asynq.SkipRetry)
	}

	err := w.publishSchedule(ctx, payload.ScheduleID)
	if err == nil {
		return nil
	}

	var provErr *platform.ProviderError
	if errors.As(err, &provErr) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if lastAttempt(ctx) {
		if markErr := w.sr.MarkFailed(ctx, payload.ScheduleID, err.Error()); markErr != nil {
			slog.Info(markErr.Error())
		}
		if _, recErr := w.sr.RecomputePostStatus(ctx, payload.PostID); recErr != nil {
			slog.Info(recErr.Error())
		}
	}
	return err
}

// HandlePublishPost fans a post out over all of its live schedules in
// parallel. Every branch settles independently; a failed platform never
// retracts a sibling's successful publish. Branches that failed transiently
// are left in processing, which Claim treats as claimable, so returning the
// aggregate error retries only them; once retries are spent those branches
// are marked failed rather than left unsettled.
func (w *Worker) HandlePublishPost(ctx context.Context, task *asynq.Task) error {
	var payload queue.PublishPostPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("malformed payload: %v: %w", err, asynq.SkipRetry)
	}

	schedules, err := w.sr.ListNonTerminalByPostID(ctx, payload.PostID)
	if err != nil {
		return err
	}
	if len(schedules) == 0 {
		return nil
	}

	var mu sync.Mutex
	unsettled := make(map[int64]error)

	tasks := make([]taskgroup.Task, 0, len(schedules))
	for _, sched := range schedules {
		scheduleID := sched.ID
		tasks = append(tasks, taskgroup.Task{
			Name: sched.Platform,
			Run: func(ctx context.Context) error {
				err := w.publishSchedule(ctx, scheduleID)
				if err != nil {
					var provErr *platform.ProviderError
					if !errors.As(err, &provErr) {
						mu.Lock()
						unsettled[scheduleID] = err
						mu.Unlock()
					}
				}
				return err
			},
		})
	}

	results := taskgroup.Run(ctx, fanOutLimit, tasks)

	terminal := false
	if !results.AllSucceeded() {
		terminal = len(unsettled) == 0 || lastAttempt(ctx)
		if terminal {
			// No redelivery is coming; a branch left in processing would
			// never settle.
			for id, branchErr := range unsettled {
				if markErr := w.sr.MarkFailed(ctx, id, branchErr.Error()); markErr != nil {
					slog.Info(markErr.Error())
				}
			}
		}
	}

	if _, err := w.sr.RecomputePostStatus(ctx, payload.PostID); err != nil {
		slog.Info(err.Error())
	}

	if results.AllSucceeded() {
		return nil
	}
	slog.Info("post fan-out finished with failures",
		"post_id", payload.PostID,
		"succeeded", len(results.Succeeded),
		"failed", len(results.Failed))

	if terminal {
		return fmt.Errorf("%s: %w", results.ErrorMessage(), asynq.SkipRetry)
	}
	return errors.New(results.ErrorMessage())
}

// publishSchedule runs one schedule through claim, publish and settlement.
// Returning nil covers both success and benign skips (already cancelled or
// settled). A *platform.ProviderError return means the platform said no and
// the schedule is already marked failed; any other error leaves the schedule
// claimable for the next attempt.
func (w *Worker) publishSchedule(ctx context.Context, scheduleID int64) error {
	sched, err := w.sr.GetByID(ctx, scheduleID)
	if err != nil {
		return err
	}
	if sched == nil {
		// Cancelled after the job left the queue; nothing to do.
		slog.Info("schedule gone before publish", "schedule_id", scheduleID)
		return nil
	}

	claimed, err := w.sr.Claim(ctx, scheduleID)
	if err != nil {
		return err
	}
	if !claimed {
		slog.Info("schedule not claimable, skipping",
			"schedule_id", scheduleID, "status", sched.Status)
		return nil
	}

	result, err := w.publishToPlatform(ctx, sched)
	if err != nil {
		var provErr *platform.ProviderError
		if errors.As(err, &provErr) {
			if markErr := w.sr.MarkFailed(ctx, scheduleID, provErr.Error()); markErr != nil {
				slog.Info(markErr.Error())
			}
			if _, recErr := w.sr.RecomputePostStatus(ctx, sched.PostID); recErr != nil {
				slog.Info(recErr.Error())
			}
		}
		return err
	}

	if err := w.sr.MarkCompleted(ctx, scheduleID); err != nil {
		return err
	}
	if _, err := w.sr.RecomputePostStatus(ctx, sched.PostID); err != nil {
		slog.Info(err.Error())
	}

	slog.Info("schedule published",
		"schedule_id", scheduleID,
		"platform", sched.Platform,
		"remote_id", result.ID)

	if err := w.rearm(ctx, sched); err != nil {
		slog.Info(err.Error())
	}
	return nil
}

func (w *Worker) publishToPlatform(ctx context.Context, sched *models.Schedule) (*platform.PublishResult, error) {
	p, err := platform.Parse(sched.Platform)
	if err != nil {
		return nil, &platform.ProviderError{
			Platform: platform.Platform(sched.Platform),
			Message:  err.Error(),
		}
	}
	adapter, err := w.registry.Get(p)
	if err != nil {
		return nil, err
	}

	post, err := w.pr.GetByID(ctx, sched.PostID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, &platform.ProviderError{Platform: p, Message: "post no longer exists"}
	}

	account, err := w.ac.GetByID(ctx, sched.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, &platform.ProviderError{Platform: p, Message: "social account no longer exists"}
	}

	accessToken, err := utils.Decrypt(account.AccessToken, w.secret)
	if err != nil {
		return nil, err
	}

	mediaURLs, err := w.mediaURLs(ctx, sched.PostID)
	if err != nil {
		return nil, err
	}

	text := post.Content
	if post.Tags != "" {
		text += "\n\n" + post.Tags
	}

	return adapter.Publish(ctx, accessToken, &platform.PublishContent{
		Text:      text,
		MediaURLs: mediaURLs,
		AccountID: account.AccountID,
		AuthorURN: account.OrganizationURN,
	})
}

func (w *Worker) mediaURLs(ctx context.Context, postID int64) ([]string, error) {
	media, err := w.pm.ListByPostID(ctx, postID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(media, func(i, j int) bool {
		return media[i].DisplayOrder < media[j].DisplayOrder
	})

	urls := make([]string, 0, len(media))
	for _, pm := range media {
		asset, err := w.ar.GetByID(ctx, pm.AssetID)
		if err != nil {
			return nil, err
		}
		if asset == nil {
			continue
		}
		urls = append(urls, asset.FileURL)
	}
	return urls, nil
}

// rearm creates and queues the next occurrence of a recurring schedule. The
// finished row stays as history; only one non-terminal schedule exists per
// (post, account) pair at a time.
func (w *Worker) rearm(ctx context.Context, sched *models.Schedule) error {
	if sched.Frequency == string(recurrence.FrequencyOnce) {
		return nil
	}

	cfg := recurrence.Config{
		Frequency:    recurrence.Frequency(sched.Frequency),
		Hour:         sched.Hour,
		Minute:       sched.Minute,
		Timezone:     sched.Timezone,
		StartDate:    sched.StartDate,
		WeekStartsOn: sched.WeekStartsOn,
	}

	after := sched.ScheduledAt.Add(time.Minute)
	if now := time.Now(); now.After(after) {
		after = now
	}
	next, ok, err := recurrence.Next(cfg, after)
	if err != nil || !ok {
		return err
	}

	jobID, err := gonanoid.New()
	if err != nil {
		return err
	}
	nextSched := &models.Schedule{
		UserID:       sched.UserID,
		PostID:       sched.PostID,
		AccountID:    sched.AccountID,
		Platform:     sched.Platform,
		Frequency:    sched.Frequency,
		Hour:         sched.Hour,
		Minute:       sched.Minute,
		Timezone:     sched.Timezone,
		StartDate:    sched.StartDate,
		WeekStartsOn: sched.WeekStartsOn,
		ScheduledAt:  next,
		Status:       models.ScheduleStatusPending,
		JobID:        jobID,
	}
	id, err := w.sr.Create(ctx, nil, nextSched)
	if err != nil {
		return err
	}

	return w.q.EnqueueSchedule(ctx, jobID, queue.PublishSchedulePayload{
		ScheduleID: id,
		PostID:     sched.PostID,
		Platform:   sched.Platform,
		AccountID:  sched.AccountID,
	}, time.Until(next))
}

func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	max, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried >= max
}
