package service

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postpilothq/postpilot/internal/models"
	"github.com/postpilothq/postpilot/internal/platform"
	"github.com/postpilothq/postpilot/internal/queue"
	"github.com/postpilothq/postpilot/internal/recurrence"
	"github.com/postpilothq/postpilot/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockScheduleRepo struct{ mock.Mock }

func (m *mockScheduleRepo) Create(ctx context.Context, tx *sql.Tx, s *models.Schedule) (int64, error) {
	args := m.Called(ctx, tx, s)
	if rf, ok := args.Get(0).(func(context.Context, *sql.Tx, *models.Schedule) int64); ok {
		return rf(ctx, tx, s), args.Error(1)
	}
	return args.Get(0).(int64), args.Error(1)
}
func (m *mockScheduleRepo) GetByID(ctx context.Context, id int64) (*models.Schedule, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Schedule), args.Error(1)
}
func (m *mockScheduleRepo) GetByJobID(ctx context.Context, jobID string) (*models.Schedule, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Schedule), args.Error(1)
}
func (m *mockScheduleRepo) ListByUserID(ctx context.Context, userID int64) ([]*models.Schedule, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]*models.Schedule), args.Error(1)
}
func (m *mockScheduleRepo) List(ctx context.Context, userID int64, status, platform string) ([]*models.Schedule, error) {
	args := m.Called(ctx, userID, status, platform)
	return args.Get(0).([]*models.Schedule), args.Error(1)
}
func (m *mockScheduleRepo) ListNonTerminalByPostID(ctx context.Context, postID int64) ([]*models.Schedule, error) {
	args := m.Called(ctx, postID)
	return args.Get(0).([]*models.Schedule), args.Error(1)
}
func (m *mockScheduleRepo) Claim(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}
func (m *mockScheduleRepo) MarkCompleted(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}
func (m *mockScheduleRepo) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	return m.Called(ctx, id, errorMessage).Error(0)
}
func (m *mockScheduleRepo) RecomputePostStatus(ctx context.Context, postID int64) (string, error) {
	args := m.Called(ctx, postID)
	return args.String(0), args.Error(1)
}
func (m *mockScheduleRepo) CheckByUserID(ctx context.Context, scheduleID, userID int64) (bool, error) {
	args := m.Called(ctx, scheduleID, userID)
	return args.Bool(0), args.Error(1)
}
func (m *mockScheduleRepo) Remove(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

type mockPostRepo struct{ mock.Mock }

func (m *mockPostRepo) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Post), args.Error(1)
}
func (m *mockPostRepo) Create(ctx context.Context, tx *sql.Tx, post *models.Post) (int64, error) {
	args := m.Called(ctx, tx, post)
	return args.Get(0).(int64), args.Error(1)
}
func (m *mockPostRepo) GetByUserID(ctx context.Context, userID int64) ([]*models.Post, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]*models.Post), args.Error(1)
}
func (m *mockPostRepo) UpdateStatus(ctx context.Context, status string, postID int64) error {
	return m.Called(ctx, status, postID).Error(0)
}
func (m *mockPostRepo) CheckByUserID(ctx context.Context, postID, userID int64) (bool, error) {
	args := m.Called(ctx, postID, userID)
	return args.Bool(0), args.Error(1)
}
func (m *mockPostRepo) Remove(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

type mockAccountRepo struct{ mock.Mock }

func (m *mockAccountRepo) Create(ctx context.Context, tx *sql.Tx, sa *models.SocialAccount) (int64, error) {
	args := m.Called(ctx, tx, sa)
	return args.Get(0).(int64), args.Error(1)
}
func (m *mockAccountRepo) GetByID(ctx context.Context, id int64) (*models.SocialAccount, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SocialAccount), args.Error(1)
}
func (m *mockAccountRepo) ListInfoByUserID(ctx context.Context, userID int64) ([]*models.SocialAccount, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]*models.SocialAccount), args.Error(1)
}
func (m *mockAccountRepo) ListByPlatforms(ctx context.Context, userID int64, platforms []string) ([]*models.SocialAccount, error) {
	args := m.Called(ctx, userID, platforms)
	return args.Get(0).([]*models.SocialAccount), args.Error(1)
}
func (m *mockAccountRepo) CheckByUserID(ctx context.Context, accountID, userID int64) (bool, error) {
	args := m.Called(ctx, accountID, userID)
	return args.Bool(0), args.Error(1)
}
func (m *mockAccountRepo) Remove(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

type mockPostMediaRepo struct{ mock.Mock }

func (m *mockPostMediaRepo) Create(ctx context.Context, tx *sql.Tx, pm *models.PostMedia) error {
	return m.Called(ctx, tx, pm).Error(0)
}
func (m *mockPostMediaRepo) ListByPostID(ctx context.Context, postID int64) ([]*models.PostMedia, error) {
	args := m.Called(ctx, postID)
	return args.Get(0).([]*models.PostMedia), args.Error(1)
}
func (m *mockPostMediaRepo) Remove(ctx context.Context, postID int64) error {
	return m.Called(ctx, postID).Error(0)
}

// recordingEnqueuer captures enqueued jobs instead of touching Redis.
type recordingEnqueuer struct {
	schedules []queue.PublishSchedulePayload
	posts     []queue.PublishPostPayload
	cancelled int32
}

func (r *recordingEnqueuer) EnqueueSchedule(ctx context.Context, jobID string, payload queue.PublishSchedulePayload, delay time.Duration) error {
	r.schedules = append(r.schedules, payload)
	return nil
}
func (r *recordingEnqueuer) EnqueuePost(ctx context.Context, jobID string, payload queue.PublishPostPayload) error {
	r.posts = append(r.posts, payload)
	return nil
}
func (r *recordingEnqueuer) Cancel(jobID string, p platform.Platform) error {
	atomic.AddInt32(&r.cancelled, 1)
	return nil
}

type gatewayFixture struct {
	sr  *mockScheduleRepo
	pr  *mockPostRepo
	ac  *mockAccountRepo
	pm  *mockPostMediaRepo
	enq *recordingEnqueuer
	svc ScheduleService
}

func newGatewayFixture() *gatewayFixture {
	f := &gatewayFixture{
		sr:  new(mockScheduleRepo),
		pr:  new(mockPostRepo),
		ac:  new(mockAccountRepo),
		pm:  new(mockPostMediaRepo),
		enq: &recordingEnqueuer{},
	}
	f.svc = NewScheduleService(f.sr, f.pr, f.ac, f.pm, f.enq)
	return f
}

func (f *gatewayFixture) givenPost(id int64, content string) {
	f.pr.On("GetByID", mock.Anything, id).Return(&models.Post{
		ID: id, UserID: 1, Content: content, Status: models.PostStatusDraft,
	}, nil)
}

func (f *gatewayFixture) givenAccount(id int64, platformName string) {
	f.ac.On("GetByID", mock.Anything, id).Return(&models.SocialAccount{
		ID: id, UserID: 1, Platform: platformName, AccountID: "remote",
	}, nil)
}

func futureCreation(postID int64, accountIDs []int64) *transfer.ScheduleCreation {
	start := time.Now().UTC().AddDate(0, 0, 7)
	return &transfer.ScheduleCreation{
		PostID:     postID,
		AccountIDs: accountIDs,
		Frequency:  "once",
		Hour:       12,
		Minute:     0,
		StartDate:  start.Format("2006-01-02"),
	}
}

func TestScheduleRejectsEmptyAccounts(t *testing.T) {
	f := newGatewayFixture()

	_, err := f.svc.Schedule(context.Background(), 1, futureCreation(1, nil))
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
	assert.Empty(t, f.enq.schedules)
}

func TestScheduleRejectsUnknownPost(t *testing.T) {
	f := newGatewayFixture()
	f.pr.On("GetByID", mock.Anything, int64(99)).Return(nil, nil)

	_, err := f.svc.Schedule(context.Background(), 1, futureCreation(99, []int64{5}))
	require.Error(t, err)
	assert.IsType(t, &NotFoundError{}, err)
}

func TestScheduleRejectsUnownedPost(t *testing.T) {
	f := newGatewayFixture()
	f.pr.On("GetByID", mock.Anything, int64(2)).Return(&models.Post{
		ID: 2, UserID: 42, Content: "not yours",
	}, nil)

	_, err := f.svc.Schedule(context.Background(), 1, futureCreation(2, []int64{5}))
	require.Error(t, err)
	assert.IsType(t, &NotFoundError{}, err)
}

func TestScheduleRejectsBadRecurrenceConfig(t *testing.T) {
	f := newGatewayFixture()
	f.givenPost(1, "hello")
	f.givenAccount(5, "twitter")
	f.pm.On("ListByPostID", mock.Anything, int64(1)).Return([]*models.PostMedia{}, nil)

	sc := futureCreation(1, []int64{5})
	sc.Hour = 24

	_, err := f.svc.Schedule(context.Background(), 1, sc)
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
	assert.Empty(t, f.enq.schedules)
}

func TestScheduleRejectsConflict(t *testing.T) {
	f := newGatewayFixture()
	f.givenPost(1, "hello")
	f.givenAccount(5, "twitter")

	// A daily schedule at 12:05 collides with the once candidate at 12:00
	// seven days out.
	existing := &models.Schedule{
		ID:        77,
		UserID:    1,
		PostID:    3,
		AccountID: 6,
		Platform:  "facebook",
		Frequency: "daily",
		Hour:      12,
		Minute:    5,
		StartDate: time.Now().UTC().AddDate(0, 0, -30),
		Status:    models.ScheduleStatusPending,
	}
	f.sr.On("ListByUserID", mock.Anything, int64(1)).Return([]*models.Schedule{existing}, nil)

	_, err := f.svc.Schedule(context.Background(), 1, futureCreation(1, []int64{5}))
	require.Error(t, err)

	conflictErr, ok := err.(*ConflictError)
	require.True(t, ok)
	assert.Equal(t, int64(77), conflictErr.Schedule.ID)
	assert.False(t, conflictErr.Instant.IsZero())
	assert.Empty(t, f.enq.schedules, "nothing reaches the queue on conflict")
	f.sr.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduleCreatesOnePerAccount(t *testing.T) {
	f := newGatewayFixture()
	f.givenPost(1, "hello")
	f.givenAccount(5, "twitter")
	f.givenAccount(6, "linkedin")
	f.sr.On("ListByUserID", mock.Anything, int64(1)).Return([]*models.Schedule{}, nil)

	var nextID int64 = 100
	f.sr.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(func(s *models.Schedule) bool {
		return s.Status == models.ScheduleStatusPending && s.JobID != ""
	})).Return(func(context.Context, *sql.Tx, *models.Schedule) int64 {
		nextID++
		return nextID
	}, nil)
	f.pr.On("UpdateStatus", mock.Anything, models.PostStatusScheduled, int64(1)).Return(nil)

	schedules, err := f.svc.Schedule(context.Background(), 1, futureCreation(1, []int64{5, 6}))
	require.NoError(t, err)
	require.Len(t, schedules, 2)

	assert.Equal(t, "twitter", schedules[0].Platform)
	assert.Equal(t, "linkedin", schedules[1].Platform)
	assert.NotEqual(t, schedules[0].JobID, schedules[1].JobID)

	require.Len(t, f.enq.schedules, 2)
	assert.Equal(t, "twitter", f.enq.schedules[0].Platform)
	assert.Equal(t, "linkedin", f.enq.schedules[1].Platform)
	f.pr.AssertCalled(t, "UpdateStatus", mock.Anything, models.PostStatusScheduled, int64(1))
}

func TestScheduleRejectsDuplicateInFlight(t *testing.T) {
	f := newGatewayFixture()
	f.givenPost(1, "hello")
	f.givenAccount(5, "twitter")

	f.sr.On("ListByUserID", mock.Anything, int64(1)).Return([]*models.Schedule{
		{
			ID: 50, UserID: 1, PostID: 1, AccountID: 5, Platform: "twitter",
			Frequency: "once", Hour: 8, Minute: 0,
			StartDate: time.Now().UTC().AddDate(0, 0, 3),
			Status:    models.ScheduleStatusPending,
		},
	}, nil)

	_, err := f.svc.Schedule(context.Background(), 1, futureCreation(1, []int64{5}))
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newGatewayFixture()
	f.sr.On("GetByID", mock.Anything, int64(9)).Return(nil, nil)

	// Cancelling a schedule that is already gone succeeds quietly.
	err := f.svc.Cancel(context.Background(), 1, 9)
	require.NoError(t, err)
	f.sr.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)
}

func TestCancelRejectsUnowned(t *testing.T) {
	f := newGatewayFixture()
	f.sr.On("GetByID", mock.Anything, int64(9)).Return(&models.Schedule{
		ID: 9, UserID: 42, Platform: "twitter", JobID: "job-9",
	}, nil)

	err := f.svc.Cancel(context.Background(), 1, 9)
	require.Error(t, err)
	assert.IsType(t, &NotFoundError{}, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.enq.cancelled))
}

func TestCancelRemovesJobAndRow(t *testing.T) {
	f := newGatewayFixture()
	f.sr.On("GetByID", mock.Anything, int64(9)).Return(&models.Schedule{
		ID: 9, UserID: 1, Platform: "twitter", JobID: "job-9",
		Status: models.ScheduleStatusPending,
	}, nil)
	f.sr.On("Remove", mock.Anything, int64(9)).Return(nil)

	err := f.svc.Cancel(context.Background(), 1, 9)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.enq.cancelled))
	f.sr.AssertCalled(t, "Remove", mock.Anything, int64(9))
}

func TestScheduleBulkSkipsWeekends(t *testing.T) {
	f := newGatewayFixture()
	f.sr.On("ListByUserID", mock.Anything, int64(1)).Return([]*models.Schedule{}, nil)
	for i := int64(1); i <= 5; i++ {
		f.givenPost(i, "post")
	}
	f.givenAccount(5, "twitter")

	var nextID int64 = 200
	var created []*models.Schedule
	f.sr.On("Create", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		created = append(created, args.Get(2).(*models.Schedule))
	}).Return(func(context.Context, *sql.Tx, *models.Schedule) int64 {
		nextID++
		return nextID
	}, nil)
	f.pr.On("UpdateStatus", mock.Anything, models.PostStatusScheduled, mock.Anything).Return(nil)

	// 2030-06-07 is a Friday.
	schedules, err := f.svc.ScheduleBulk(context.Background(), 1, &transfer.BulkScheduleCreation{
		PostIDs:      []int64{1, 2, 3, 4, 5},
		AccountIDs:   []int64{5},
		StartAt:      "2030-06-07T10:00",
		IntervalDays: 1,
		SkipWeekends: true,
	})
	require.NoError(t, err)
	require.Len(t, schedules, 5)

	days := make([]int, 0, 5)
	for _, sched := range schedules {
		assert.NotEqual(t, time.Saturday, sched.ScheduledAt.Weekday())
		assert.NotEqual(t, time.Sunday, sched.ScheduledAt.Weekday())
		days = append(days, sched.ScheduledAt.Day())
	}
	// Friday 7th, then Monday 10th through Thursday 13th.
	assert.Equal(t, []int{7, 10, 11, 12, 13}, days)
	assert.Len(t, created, 5)
}

func TestPublishNowEnqueuesPostLevelJob(t *testing.T) {
	f := newGatewayFixture()
	f.givenPost(1, "hello")
	f.givenAccount(5, "twitter")
	f.givenAccount(6, "facebook")

	f.sr.On("ListNonTerminalByPostID", mock.Anything, int64(1)).Return([]*models.Schedule{}, nil)
	f.sr.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(int64(300), nil)
	f.pr.On("UpdateStatus", mock.Anything, models.PostStatusPublishing, int64(1)).Return(nil)

	err := f.svc.PublishNow(context.Background(), 1, 1, []int64{5, 6})
	require.NoError(t, err)

	require.Len(t, f.enq.posts, 1)
	assert.Equal(t, int64(1), f.enq.posts[0].PostID)
	assert.ElementsMatch(t, []string{"twitter", "facebook"}, f.enq.posts[0].Platforms)
	assert.Empty(t, f.enq.schedules, "publish-now fans out through the post job")
}

func TestPublishNowWithoutTargetsUsesEveryConnectedAccount(t *testing.T) {
	f := newGatewayFixture()
	f.givenPost(1, "hello")
	f.givenAccount(5, "twitter")
	f.givenAccount(6, "linkedin")

	f.ac.On("ListByPlatforms", mock.Anything, int64(1), mock.Anything).Return([]*models.SocialAccount{
		{ID: 5, UserID: 1, Platform: "twitter", AccountID: "remote"},
		{ID: 6, UserID: 1, Platform: "linkedin", AccountID: "remote"},
	}, nil)
	f.sr.On("ListNonTerminalByPostID", mock.Anything, int64(1)).Return([]*models.Schedule{}, nil)
	f.sr.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(int64(300), nil)
	f.pr.On("UpdateStatus", mock.Anything, models.PostStatusPublishing, int64(1)).Return(nil)

	err := f.svc.PublishNow(context.Background(), 1, 1, nil)
	require.NoError(t, err)

	require.Len(t, f.enq.posts, 1)
	assert.ElementsMatch(t, []string{"twitter", "linkedin"}, f.enq.posts[0].Platforms)
}

func TestBuildConfigAnchorsStartDateInConfiguredTimezone(t *testing.T) {
	// 2030-06-01 is a Saturday. Parsed as UTC midnight it would still be
	// Friday evening in New York and a weekly schedule would anchor on the
	// wrong weekday.
	cfg, err := buildConfig(&transfer.ScheduleCreation{
		PostID:     1,
		AccountIDs: []int64{5},
		Frequency:  "weekly",
		Hour:       9,
		Minute:     0,
		Timezone:   "America/New_York",
		StartDate:  "2030-06-01",
	})
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	assert.Equal(t, time.Saturday, cfg.StartDate.In(loc).Weekday())

	next, ok, err := recurrence.Next(cfg, time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Saturday, next.In(loc).Weekday())
	assert.Equal(t, 9, next.In(loc).Hour())
	assert.Equal(t, "2030-06-01", next.In(loc).Format("2006-01-02"))
}

func TestPublishNowRejectsInFlightDuplicate(t *testing.T) {
	f := newGatewayFixture()
	f.givenPost(1, "hello")
	f.givenAccount(5, "twitter")

	f.sr.On("ListNonTerminalByPostID", mock.Anything, int64(1)).Return([]*models.Schedule{
		{ID: 40, PostID: 1, AccountID: 5, Status: models.ScheduleStatusPending},
	}, nil)

	err := f.svc.PublishNow(context.Background(), 1, 1, []int64{5})
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
	assert.Empty(t, f.enq.posts)
	f.sr.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}
