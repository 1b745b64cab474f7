package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/postpilothq/postpilot/internal/models"
	"github.com/postpilothq/postpilot/internal/platform"
	"github.com/postpilothq/postpilot/internal/queue"
	"github.com/postpilothq/postpilot/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type mockScheduleRepo struct{ mock.Mock }

func (m *mockScheduleRepo) Create(ctx context.Context, tx *sql.Tx, s *models.Schedule) (int64, error) {
	args := m.Called(ctx, tx, s)
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

type mockAssetRepo struct{ mock.Mock }

func (m *mockAssetRepo) Create(ctx context.Context, tx *sql.Tx, ma *models.MediaAsset) (int64, error) {
	args := m.Called(ctx, tx, ma)
	return args.Get(0).(int64), args.Error(1)
}
func (m *mockAssetRepo) GetByID(ctx context.Context, id int64) (*models.MediaAsset, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MediaAsset), args.Error(1)
}
func (m *mockAssetRepo) Remove(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

type fakeEnqueuer struct {
	calls int32
}

func (f *fakeEnqueuer) EnqueueSchedule(ctx context.Context, jobID string, payload queue.PublishSchedulePayload, delay time.Duration) error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}

// fakeAdapter publishes into a counter instead of a platform.
type fakeAdapter struct {
	p          platform.Platform
	publishErr error
	published  int32
	lastToken  string
}

func (f *fakeAdapter) Platform() platform.Platform { return f.p }
func (f *fakeAdapter) AuthURL(state string) string { return "" }
func (f *fakeAdapter) ExchangeCode(ctx context.Context, code string) (*platform.Token, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeAdapter) Profile(ctx context.Context, accessToken string) (*platform.Profile, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeAdapter) Publish(ctx context.Context, accessToken string, content *platform.PublishContent) (*platform.PublishResult, error) {
	f.lastToken = accessToken
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	atomic.AddInt32(&f.published, 1)
	return &platform.PublishResult{ID: "remote-1", Text: content.Text}, nil
}
func (f *fakeAdapter) Metrics(ctx context.Context, accessToken, accountID string, since, until time.Time) (*platform.Metrics, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeAdapter) Audience(ctx context.Context, accessToken, accountID string) (*platform.Audience, error) {
	return nil, errors.New("not implemented")
}

func encryptToken(t *testing.T, token string) string {
	t.Helper()
	encrypted, err := utils.Encrypt([]byte(token), testSecret)
	require.NoError(t, err)
	return encrypted
}

func testSchedule(id, postID, accountID int64, platformName string) *models.Schedule {
	return &models.Schedule{
		ID:          id,
		UserID:      1,
		PostID:      postID,
		AccountID:   accountID,
		Platform:    platformName,
		Frequency:   "once",
		Hour:        9,
		Minute:      0,
		StartDate:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		ScheduledAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		Status:      models.ScheduleStatusPending,
		JobID:       "job-1",
	}
}

func scheduleTask(t *testing.T, payload queue.PublishSchedulePayload) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(queue.TaskTypePublishSchedule, body)
}

func postTask(t *testing.T, payload queue.PublishPostPayload) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(queue.TaskTypePublishPost, body)
}

func newTestWorker(sr *mockScheduleRepo, pr *mockPostRepo, ac *mockAccountRepo, pm *mockPostMediaRepo, ar *mockAssetRepo, adapters ...platform.Adapter) (*Worker, *fakeEnqueuer) {
	enq := &fakeEnqueuer{}
	w := NewWorker(sr, pr, ac, pm, ar, platform.NewRegistry(adapters...), enq, testSecret)
	return w, enq
}

func TestHandlePublishSchedulePublishes(t *testing.T) {
	sr := new(mockScheduleRepo)
	pr := new(mockPostRepo)
	ac := new(mockAccountRepo)
	pm := new(mockPostMediaRepo)
	ar := new(mockAssetRepo)
	twitter := &fakeAdapter{p: platform.Twitter}

	sched := testSchedule(11, 1, 21, "twitter")
	sr.On("GetByID", mock.Anything, int64(11)).Return(sched, nil)
	sr.On("Claim", mock.Anything, int64(11)).Return(true, nil)
	sr.On("MarkCompleted", mock.Anything, int64(11)).Return(nil)
	sr.On("RecomputePostStatus", mock.Anything, int64(1)).Return(models.PostStatusPublished, nil)

	pr.On("GetByID", mock.Anything, int64(1)).Return(&models.Post{
		ID: 1, UserID: 1, Content: "hello world", Status: models.PostStatusScheduled,
	}, nil)
	ac.On("GetByID", mock.Anything, int64(21)).Return(&models.SocialAccount{
		ID: 21, UserID: 1, Platform: "twitter", AccountID: "tw-1",
		AccessToken: encryptToken(t, "tw-token"),
	}, nil)
	pm.On("ListByPostID", mock.Anything, int64(1)).Return([]*models.PostMedia{}, nil)

	w, enq := newTestWorker(sr, pr, ac, pm, ar, twitter)
	err := w.HandlePublishSchedule(context.Background(), scheduleTask(t, queue.PublishSchedulePayload{
		ScheduleID: 11, PostID: 1, Platform: "twitter", AccountID: 21,
	}))
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&twitter.published))
	assert.Equal(t, "tw-token", twitter.lastToken)
	// One-shot schedules never re-arm.
	assert.Equal(t, int32(0), atomic.LoadInt32(&enq.calls))
	sr.AssertCalled(t, "MarkCompleted", mock.Anything, int64(11))
}

func TestHandlePublishScheduleProviderErrorIsTerminal(t *testing.T) {
	sr := new(mockScheduleRepo)
	pr := new(mockPostRepo)
	ac := new(mockAccountRepo)
	pm := new(mockPostMediaRepo)
	ar := new(mockAssetRepo)
	facebook := &fakeAdapter{
		p:          platform.Facebook,
		publishErr: &platform.ProviderError{Platform: platform.Facebook, StatusCode: 400, Message: "rejected"},
	}

	sched := testSchedule(12, 1, 22, "facebook")
	sr.On("GetByID", mock.Anything, int64(12)).Return(sched, nil)
	sr.On("Claim", mock.Anything, int64(12)).Return(true, nil)
	sr.On("MarkFailed", mock.Anything, int64(12), mock.MatchedBy(func(msg string) bool {
		return strings.Contains(msg, "facebook")
	})).Return(nil)
	sr.On("RecomputePostStatus", mock.Anything, int64(1)).Return(models.PostStatusFailed, nil)

	pr.On("GetByID", mock.Anything, int64(1)).Return(&models.Post{ID: 1, UserID: 1, Content: "hi"}, nil)
	ac.On("GetByID", mock.Anything, int64(22)).Return(&models.SocialAccount{
		ID: 22, UserID: 1, Platform: "facebook", AccountID: "fb-1",
		AccessToken: encryptToken(t, "fb-token"),
	}, nil)
	pm.On("ListByPostID", mock.Anything, int64(1)).Return([]*models.PostMedia{}, nil)

	w, _ := newTestWorker(sr, pr, ac, pm, ar, facebook)
	err := w.HandlePublishSchedule(context.Background(), scheduleTask(t, queue.PublishSchedulePayload{
		ScheduleID: 12, PostID: 1, Platform: "facebook", AccountID: 22,
	}))

	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	sr.AssertCalled(t, "MarkFailed", mock.Anything, int64(12), mock.Anything)
}

func TestHandlePublishScheduleSkipsUnclaimable(t *testing.T) {
	sr := new(mockScheduleRepo)
	pr := new(mockPostRepo)
	ac := new(mockAccountRepo)
	pm := new(mockPostMediaRepo)
	ar := new(mockAssetRepo)
	twitter := &fakeAdapter{p: platform.Twitter}

	// Already completed (or cancel won the race): claim misses, no adapter
	// call happens.
	sched := testSchedule(13, 1, 21, "twitter")
	sched.Status = models.ScheduleStatusCompleted
	sr.On("GetByID", mock.Anything, int64(13)).Return(sched, nil)
	sr.On("Claim", mock.Anything, int64(13)).Return(false, nil)

	w, _ := newTestWorker(sr, pr, ac, pm, ar, twitter)
	err := w.HandlePublishSchedule(context.Background(), scheduleTask(t, queue.PublishSchedulePayload{
		ScheduleID: 13, PostID: 1, Platform: "twitter", AccountID: 21,
	}))

	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&twitter.published))
	pr.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

func TestHandlePublishScheduleDeletedRowIsNoop(t *testing.T) {
	sr := new(mockScheduleRepo)
	twitter := &fakeAdapter{p: platform.Twitter}

	sr.On("GetByID", mock.Anything, int64(14)).Return(nil, nil)

	w, _ := newTestWorker(sr, new(mockPostRepo), new(mockAccountRepo), new(mockPostMediaRepo), new(mockAssetRepo), twitter)
	err := w.HandlePublishSchedule(context.Background(), scheduleTask(t, queue.PublishSchedulePayload{
		ScheduleID: 14, PostID: 1, Platform: "twitter", AccountID: 21,
	}))

	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&twitter.published))
}

func TestHandlePublishPostPartialFailure(t *testing.T) {
	sr := new(mockScheduleRepo)
	pr := new(mockPostRepo)
	ac := new(mockAccountRepo)
	pm := new(mockPostMediaRepo)
	ar := new(mockAssetRepo)

	twitter := &fakeAdapter{p: platform.Twitter}
	facebook := &fakeAdapter{
		p:          platform.Facebook,
		publishErr: &platform.ProviderError{Platform: platform.Facebook, StatusCode: 403, Message: "rejected"},
	}

	twitterSched := testSchedule(11, 1, 21, "twitter")
	facebookSched := testSchedule(12, 1, 22, "facebook")

	sr.On("ListNonTerminalByPostID", mock.Anything, int64(1)).Return([]*models.Schedule{twitterSched, facebookSched}, nil)
	sr.On("GetByID", mock.Anything, int64(11)).Return(twitterSched, nil)
	sr.On("GetByID", mock.Anything, int64(12)).Return(facebookSched, nil)
	sr.On("Claim", mock.Anything, int64(11)).Return(true, nil)
	sr.On("Claim", mock.Anything, int64(12)).Return(true, nil)
	sr.On("MarkCompleted", mock.Anything, int64(11)).Return(nil)
	sr.On("MarkFailed", mock.Anything, int64(12), mock.Anything).Return(nil)
	sr.On("RecomputePostStatus", mock.Anything, int64(1)).Return(models.PostStatusFailed, nil)

	pr.On("GetByID", mock.Anything, int64(1)).Return(&models.Post{ID: 1, UserID: 1, Content: "hello"}, nil)
	ac.On("GetByID", mock.Anything, int64(21)).Return(&models.SocialAccount{
		ID: 21, UserID: 1, Platform: "twitter", AccountID: "tw-1",
		AccessToken: encryptToken(t, "tw-token"),
	}, nil)
	ac.On("GetByID", mock.Anything, int64(22)).Return(&models.SocialAccount{
		ID: 22, UserID: 1, Platform: "facebook", AccountID: "fb-1",
		AccessToken: encryptToken(t, "fb-token"),
	}, nil)
	pm.On("ListByPostID", mock.Anything, int64(1)).Return([]*models.PostMedia{}, nil)

	w, _ := newTestWorker(sr, pr, ac, pm, ar, twitter, facebook)
	err := w.HandlePublishPost(context.Background(), postTask(t, queue.PublishPostPayload{
		PostID: 1, Platforms: []string{"twitter", "facebook"},
	}))

	// Every failure was a platform rejection, so the post job does not retry.
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	// The Twitter publish happened exactly once and was never retracted.
	assert.Equal(t, int32(1), atomic.LoadInt32(&twitter.published))
	sr.AssertCalled(t, "MarkCompleted", mock.Anything, int64(11))
	sr.AssertCalled(t, "MarkFailed", mock.Anything, int64(12), mock.Anything)
	sr.AssertCalled(t, "RecomputePostStatus", mock.Anything, int64(1))
}

func TestHandlePublishPostNoLiveSchedules(t *testing.T) {
	sr := new(mockScheduleRepo)
	sr.On("ListNonTerminalByPostID", mock.Anything, int64(9)).Return([]*models.Schedule{}, nil)

	w, _ := newTestWorker(sr, new(mockPostRepo), new(mockAccountRepo), new(mockPostMediaRepo), new(mockAssetRepo))
	err := w.HandlePublishPost(context.Background(), postTask(t, queue.PublishPostPayload{PostID: 9}))
	require.NoError(t, err)
}

func TestHandlePublishPostRetryReclaimsProcessingBranch(t *testing.T) {
	sr := new(mockScheduleRepo)
	pr := new(mockPostRepo)
	ac := new(mockAccountRepo)
	pm := new(mockPostMediaRepo)
	ar := new(mockAssetRepo)
	twitter := &fakeAdapter{p: platform.Twitter, publishErr: errors.New("connection reset")}

	sched := testSchedule(17, 1, 21, "twitter")
	sr.On("ListNonTerminalByPostID", mock.Anything, int64(1)).Return([]*models.Schedule{sched}, nil)
	sr.On("GetByID", mock.Anything, int64(17)).Return(sched, nil)
	sr.On("Claim", mock.Anything, int64(17)).Return(true, nil)
	sr.On("MarkCompleted", mock.Anything, int64(17)).Return(nil)
	sr.On("RecomputePostStatus", mock.Anything, int64(1)).Return(models.PostStatusPublishing, nil)

	pr.On("GetByID", mock.Anything, int64(1)).Return(&models.Post{ID: 1, UserID: 1, Content: "hello"}, nil)
	ac.On("GetByID", mock.Anything, int64(21)).Return(&models.SocialAccount{
		ID: 21, UserID: 1, Platform: "twitter", AccountID: "tw-1",
		AccessToken: encryptToken(t, "tw-token"),
	}, nil)
	pm.On("ListByPostID", mock.Anything, int64(1)).Return([]*models.PostMedia{}, nil)

	w, _ := newTestWorker(sr, pr, ac, pm, ar, twitter)
	task := postTask(t, queue.PublishPostPayload{PostID: 1, Platforms: []string{"twitter"}})

	// A transient failure leaves the branch in processing and rides the
	// queue retry rather than settling the schedule.
	err := w.HandlePublishPost(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	sr.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
	sr.AssertNotCalled(t, "MarkCompleted", mock.Anything, mock.Anything)

	// The redelivery sees the processing row, re-claims it and settles it.
	sched.Status = models.ScheduleStatusProcessing
	twitter.publishErr = nil
	err = w.HandlePublishPost(context.Background(), task)
	require.NoError(t, err)
	sr.AssertCalled(t, "MarkCompleted", mock.Anything, int64(17))
	assert.Equal(t, int32(1), atomic.LoadInt32(&twitter.published))
}

func TestRearmRecurringSchedule(t *testing.T) {
	sr := new(mockScheduleRepo)
	pr := new(mockPostRepo)
	ac := new(mockAccountRepo)
	pm := new(mockPostMediaRepo)
	ar := new(mockAssetRepo)
	twitter := &fakeAdapter{p: platform.Twitter}

	sched := testSchedule(15, 1, 21, "twitter")
	sched.Frequency = "daily"

	sr.On("GetByID", mock.Anything, int64(15)).Return(sched, nil)
	sr.On("Claim", mock.Anything, int64(15)).Return(true, nil)
	sr.On("MarkCompleted", mock.Anything, int64(15)).Return(nil)
	sr.On("RecomputePostStatus", mock.Anything, int64(1)).Return(models.PostStatusPublished, nil)
	sr.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(func(s *models.Schedule) bool {
		return s.Frequency == "daily" && s.Status == models.ScheduleStatusPending && s.JobID != sched.JobID
	})).Return(int64(16), nil)

	pr.On("GetByID", mock.Anything, int64(1)).Return(&models.Post{ID: 1, UserID: 1, Content: "daily update"}, nil)
	ac.On("GetByID", mock.Anything, int64(21)).Return(&models.SocialAccount{
		ID: 21, UserID: 1, Platform: "twitter", AccountID: "tw-1",
		AccessToken: encryptToken(t, "tw-token"),
	}, nil)
	pm.On("ListByPostID", mock.Anything, int64(1)).Return([]*models.PostMedia{}, nil)

	w, enq := newTestWorker(sr, pr, ac, pm, ar, twitter)
	err := w.HandlePublishSchedule(context.Background(), scheduleTask(t, queue.PublishSchedulePayload{
		ScheduleID: 15, PostID: 1, Platform: "twitter", AccountID: 21,
	}))

	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&enq.calls))
	sr.AssertCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}
