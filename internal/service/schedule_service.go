package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/postpilothq/postpilot/internal/conflict"
	"github.com/postpilothq/postpilot/internal/models"
	"github.com/postpilothq/postpilot/internal/platform"
	"github.com/postpilothq/postpilot/internal/queue"
	"github.com/postpilothq/postpilot/internal/recurrence"
	"github.com/postpilothq/postpilot/internal/repository"
	"github.com/postpilothq/postpilot/internal/transfer"
)

// Enqueuer is the slice of the queue manager the gateway needs.
type Enqueuer interface {
	EnqueueSchedule(ctx context.Context, jobID string, payload queue.PublishSchedulePayload, delay time.Duration) error
	EnqueuePost(ctx context.Context, jobID string, payload queue.PublishPostPayload) error
	Cancel(jobID string, p platform.Platform) error
}

type ScheduleService interface {
	Schedule(ctx context.Context, userID int64, sc *transfer.ScheduleCreation) ([]*models.Schedule, error)
	ScheduleBulk(ctx context.Context, userID int64, bc *transfer.BulkScheduleCreation) ([]*models.Schedule, error)
	PublishNow(ctx context.Context, userID, postID int64, accountIDs []int64) error
	Cancel(ctx context.Context, userID, scheduleID int64) error
	CancelByPost(ctx context.Context, userID, postID int64) error
	Get(ctx context.Context, userID, scheduleID int64) (*models.Schedule, error)
	List(ctx context.Context, userID int64, status, platformName string) ([]*models.Schedule, error)
}

type scheduleService struct {
	sr repository.ScheduleRepository
	pr repository.PostRepository
	ac repository.SocialAccountRepository
	pm repository.PostMediaRepository
	q  Enqueuer
}

func NewScheduleService(
	sr repository.ScheduleRepository,
	pr repository.PostRepository,
	ac repository.SocialAccountRepository,
	pm repository.PostMediaRepository,
	q Enqueuer) ScheduleService {
	return &scheduleService{
		sr: sr,
		pr: pr,
		ac: ac,
		pm: pm,
		q:  q,
	}
}

// Schedule validates the request, runs conflict detection against every
// stored schedule of the user, and on acceptance persists one pending
// Schedule per account and queues its job with the computed delay.
// Validation and conflict rejections happen synchronously; nothing reaches
// the queue.
func (s *scheduleService) Schedule(ctx context.Context, userID int64, sc *transfer.ScheduleCreation) ([]*models.Schedule, error) {
	post, accounts, err := s.validateTargets(ctx, userID, sc.PostID, sc.AccountIDs)
	if err != nil {
		return nil, err
	}

	cfg, err := buildConfig(sc)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	now := time.Now()
	occurrence, ok, err := recurrence.Next(cfg, now)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	if !ok {
		return nil, &ValidationError{Message: "schedule has no future occurrence"}
	}

	existing, err := s.sr.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	result, err := conflict.Check(cfg, existing, 0, now, conflict.DefaultOptions())
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	if result.HasConflict {
		return nil, &ConflictError{Schedule: result.Schedule, Instant: result.Instant}
	}

	for _, existingSched := range existing {
		if existingSched.PostID != post.ID || existingSched.Terminal() {
			continue
		}
		for _, acc := range accounts {
			if existingSched.AccountID == acc.ID {
				return nil, &ValidationError{
					Message: fmt.Sprintf("a schedule for post %d and account %d is already in flight", post.ID, acc.ID),
				}
			}
		}
	}

	schedules := make([]*models.Schedule, 0, len(accounts))
	for _, acc := range accounts {
		sched, err := s.createAndEnqueue(ctx, userID, post.ID, acc, cfg, occurrence)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}

	if err := s.pr.UpdateStatus(ctx, models.PostStatusScheduled, post.ID); err != nil {
		return nil, err
	}
	return schedules, nil
}

// ScheduleBulk lays out one-shot slots for a batch of posts. Slots that land
// on a weekend (when skipping is requested) or collide exactly with an
// already-scheduled minute are shifted forward by the interval instead of
// failing the batch.
func (s *scheduleService) ScheduleBulk(ctx context.Context, userID int64, bc *transfer.BulkScheduleCreation) ([]*models.Schedule, error) {
	if len(bc.PostIDs) == 0 {
		return nil, &ValidationError{Message: "at least one post is required"}
	}
	if bc.IntervalDays <= 0 {
		return nil, &ValidationError{Message: "interval must be at least one day"}
	}

	loc := time.UTC
	if bc.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(bc.Timezone)
		if err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("invalid timezone %q", bc.Timezone)}
		}
	}
	start, err := time.ParseInLocation("2006-01-02T15:04", bc.StartAt, loc)
	if err != nil {
		return nil, &ValidationError{Message: "invalid start time format"}
	}

	existing, err := s.sr.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	taken := make([]time.Time, 0, len(existing))
	for _, sched := range existing {
		if !sched.Terminal() {
			taken = append(taken, sched.ScheduledAt)
		}
	}

	slots := conflict.PlanBulk(start, conflict.BulkOptions{
		Count:        len(bc.PostIDs),
		Interval:     time.Duration(bc.IntervalDays) * 24 * time.Hour,
		SkipWeekends: bc.SkipWeekends,
		Taken:        taken,
	})
	if len(slots) < len(bc.PostIDs) {
		return nil, &ValidationError{Message: "unable to place every post on a free slot"}
	}

	var schedules []*models.Schedule
	for i, postID := range bc.PostIDs {
		post, accounts, err := s.validateTargets(ctx, userID, postID, bc.AccountIDs)
		if err != nil {
			return nil, err
		}

		slot := slots[i]
		cfg := recurrence.Config{
			Frequency: recurrence.FrequencyOnce,
			Hour:      slot.In(loc).Hour(),
			Minute:    slot.In(loc).Minute(),
			Timezone:  bc.Timezone,
			StartDate: slot,
		}
		for _, acc := range accounts {
			sched, err := s.createAndEnqueue(ctx, userID, post.ID, acc, cfg, slot)
			if err != nil {
				return nil, err
			}
			schedules = append(schedules, sched)
		}
		if err := s.pr.UpdateStatus(ctx, models.PostStatusScheduled, post.ID); err != nil {
			return nil, err
		}
	}
	return schedules, nil
}

// PublishNow creates immediate one-shot schedules for the post and queues a
// single post-level job; the worker fans out over the schedules with an
// all-settled join.
func (s *scheduleService) PublishNow(ctx context.Context, userID, postID int64, accountIDs []int64) error {
	if len(accountIDs) == 0 {
		// No explicit targets means every connected account.
		names := make([]string, 0, len(platform.All()))
		for _, p := range platform.All() {
			names = append(names, string(p))
		}
		connected, err := s.ac.ListByPlatforms(ctx, userID, names)
		if err != nil {
			return err
		}
		for _, acc := range connected {
			accountIDs = append(accountIDs, acc.ID)
		}
	}

	post, accounts, err := s.validateTargets(ctx, userID, postID, accountIDs)
	if err != nil {
		return err
	}

	inFlight, err := s.sr.ListNonTerminalByPostID(ctx, postID)
	if err != nil {
		return err
	}
	for _, sched := range inFlight {
		for _, acc := range accounts {
			if sched.AccountID == acc.ID {
				return &ValidationError{
					Message: fmt.Sprintf("a schedule for post %d and account %d is already in flight", post.ID, acc.ID),
				}
			}
		}
	}

	now := time.Now()
	platforms := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		jobID, err := gonanoid.New()
		if err != nil {
			return err
		}
		sched := &models.Schedule{
			UserID:      userID,
			PostID:      post.ID,
			AccountID:   acc.ID,
			Platform:    acc.Platform,
			Frequency:   string(recurrence.FrequencyOnce),
			Hour:        now.UTC().Hour(),
			Minute:      now.UTC().Minute(),
			StartDate:   now,
			ScheduledAt: now,
			Status:      models.ScheduleStatusPending,
			JobID:       jobID,
		}
		if _, err := s.sr.Create(ctx, nil, sched); err != nil {
			return err
		}
		platforms = append(platforms, acc.Platform)
	}

	jobID, err := gonanoid.New()
	if err != nil {
		return err
	}
	if err := s.q.EnqueuePost(ctx, jobID, queue.PublishPostPayload{
		PostID:    post.ID,
		Platforms: platforms,
	}); err != nil {
		return err
	}
	return s.pr.UpdateStatus(ctx, models.PostStatusPublishing, post.ID)
}

// Cancel removes the queued job and deletes the schedule row. Cancelling a
// schedule that is already gone is a no-op; cancellation racing an in-flight
// claim is best-effort and the publish may proceed.
func (s *scheduleService) Cancel(ctx context.Context, userID, scheduleID int64) error {
	sched, err := s.sr.GetByID(ctx, scheduleID)
	if err != nil {
		return err
	}
	if sched == nil {
		return nil
	}
	if sched.UserID != userID {
		return &NotFoundError{Resource: "schedule"}
	}

	if err := s.q.Cancel(sched.JobID, platform.Platform(sched.Platform)); err != nil {
		return err
	}
	if err := s.sr.Remove(ctx, scheduleID); err != nil {
		return err
	}

	slog.Info("schedule cancelled", "schedule_id", scheduleID, "job_id", sched.JobID)
	return nil
}

// CancelByPost cancels every non-terminal schedule of a post; called before
// the post itself is deleted.
func (s *scheduleService) CancelByPost(ctx context.Context, userID, postID int64) error {
	schedules, err := s.sr.ListNonTerminalByPostID(ctx, postID)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if err := s.Cancel(ctx, userID, sched.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *scheduleService) Get(ctx context.Context, userID, scheduleID int64) (*models.Schedule, error) {
	sched, err := s.sr.GetByID(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if sched == nil || sched.UserID != userID {
		return nil, &NotFoundError{Resource: "schedule"}
	}
	return sched, nil
}

func (s *scheduleService) List(ctx context.Context, userID int64, status, platformName string) ([]*models.Schedule, error) {
	return s.sr.List(ctx, userID, status, platformName)
}

// validateTargets checks the post and accounts exist, are owned by the user,
// and that the post has something to publish.
func (s *scheduleService) validateTargets(ctx context.Context, userID, postID int64, accountIDs []int64) (*models.Post, []*models.SocialAccount, error) {
	if len(accountIDs) == 0 {
		return nil, nil, &ValidationError{Message: "at least one account is required"}
	}

	post, err := s.pr.GetByID(ctx, postID)
	if err != nil {
		return nil, nil, err
	}
	if post == nil || post.UserID != userID {
		return nil, nil, &NotFoundError{Resource: "post"}
	}

	if post.Content == "" {
		media, err := s.pm.ListByPostID(ctx, postID)
		if err != nil {
			return nil, nil, err
		}
		if len(media) == 0 {
			return nil, nil, &ValidationError{Message: "post needs content or media"}
		}
	}

	accounts := make([]*models.SocialAccount, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		acc, err := s.ac.GetByID(ctx, accountID)
		if err != nil {
			return nil, nil, err
		}
		if acc == nil || acc.UserID != userID {
			return nil, nil, &NotFoundError{Resource: "social account"}
		}
		if _, err := platform.Parse(acc.Platform); err != nil {
			return nil, nil, &ValidationError{Message: err.Error()}
		}
		accounts = append(accounts, acc)
	}
	return post, accounts, nil
}

func (s *scheduleService) createAndEnqueue(ctx context.Context, userID, postID int64, acc *models.SocialAccount, cfg recurrence.Config, occurrence time.Time) (*models.Schedule, error) {
	jobID, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	sched := &models.Schedule{
		UserID:       userID,
		PostID:       postID,
		AccountID:    acc.ID,
		Platform:     acc.Platform,
		Frequency:    string(cfg.Frequency),
		Hour:         cfg.Hour,
		Minute:       cfg.Minute,
		Timezone:     cfg.Timezone,
		StartDate:    cfg.StartDate,
		WeekStartsOn: cfg.WeekStartsOn,
		ScheduledAt:  occurrence,
		Status:       models.ScheduleStatusPending,
		JobID:        jobID,
	}

	id, err := s.sr.Create(ctx, nil, sched)
	if err != nil {
		return nil, err
	}
	sched.ID = id

	delay := time.Until(occurrence)
	if delay < 0 {
		delay = 0
	}

	payload := queue.PublishSchedulePayload{
		ScheduleID: id,
		PostID:     postID,
		Platform:   acc.Platform,
		AccountID:  acc.ID,
	}
	if err := s.q.EnqueueSchedule(ctx, jobID, payload, delay); err != nil {
		// Keep the row and the queue consistent: a schedule whose job never
		// made it into the queue would hang in pending forever.
		if removeErr := s.sr.Remove(ctx, id); removeErr != nil {
			slog.Info(removeErr.Error())
		}
		return nil, err
	}
	return sched, nil
}

func buildConfig(sc *transfer.ScheduleCreation) (recurrence.Config, error) {
	loc := time.UTC
	if sc.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(sc.Timezone)
		if err != nil {
			return recurrence.Config{}, fmt.Errorf("invalid timezone %q", sc.Timezone)
		}
	}

	// The start date names a calendar day in the schedule's timezone; parsed
	// as UTC it would shift back a day in any zone behind UTC and anchor
	// weekly schedules on the wrong weekday.
	startDate, err := time.ParseInLocation("2006-01-02", sc.StartDate, loc)
	if err != nil {
		return recurrence.Config{}, fmt.Errorf("invalid start date format: %w", err)
	}

	cfg := recurrence.Config{
		Frequency:    recurrence.Frequency(sc.Frequency),
		Hour:         sc.Hour,
		Minute:       sc.Minute,
		Timezone:     sc.Timezone,
		StartDate:    startDate,
		WeekStartsOn: sc.WeekStartsOn,
	}
	if err := cfg.Validate(); err != nil {
		return recurrence.Config{}, err
	}
	return cfg, nil
}
