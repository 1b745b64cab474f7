package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/postpilothq/postpilot/internal/models"
)

type ScheduleRepository interface {
	Create(ctx context.Context, tx *sql.Tx, s *models.Schedule) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.Schedule, error)
	GetByJobID(ctx context.Context, jobID string) (*models.Schedule, error)
	ListByUserID(ctx context.Context, userID int64) ([]*models.Schedule, error)
	List(ctx context.Context, userID int64, status, platform string) ([]*models.Schedule, error)
	ListNonTerminalByPostID(ctx context.Context, postID int64) ([]*models.Schedule, error)
	Claim(ctx context.Context, id int64) (bool, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMessage string) error
	RecomputePostStatus(ctx context.Context, postID int64) (string, error)
	CheckByUserID(ctx context.Context, scheduleID, userID int64) (bool, error)
	Remove(ctx context.Context, id int64) error
}

type scheduleRepository struct {
	db *sql.DB
}

func NewScheduleRepository(db *sql.DB) ScheduleRepository {
	return &scheduleRepository{db: db}
}

const scheduleColumns = `id, user_id, post_id, account_id, platform, frequency, hour, minute,
	timezone, start_date, week_starts_on, scheduled_at, status, job_id, attempts,
	COALESCE(error, ''), created_at, updated_at`

func scanSchedule(row interface {
	Scan(dest ...interface{}) error
}) (*models.Schedule, error) {
	var s models.Schedule
	err := row.Scan(&s.ID, &s.UserID, &s.PostID, &s.AccountID, &s.Platform, &s.Frequency,
		&s.Hour, &s.Minute, &s.Timezone, &s.StartDate, &s.WeekStartsOn, &s.ScheduledAt,
		&s.Status, &s.JobID, &s.Attempts, &s.Error, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *scheduleRepository) Create(ctx context.Context, tx *sql.Tx, s *models.Schedule) (int64, error) {
	query := `
		INSERT INTO schedules (user_id, post_id, account_id, platform, frequency, hour, minute,
			timezone, start_date, week_starts_on, scheduled_at, status, job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`

	var id int64
	var err error

	args := []interface{}{s.UserID, s.PostID, s.AccountID, s.Platform, s.Frequency, s.Hour,
		s.Minute, s.Timezone, s.StartDate, s.WeekStartsOn, s.ScheduledAt, s.Status, s.JobID}

	if tx != nil {
		err = tx.QueryRowContext(ctx, query, args...).Scan(&id)
	} else {
		err = r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	}
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	return id, nil
}

func (r *scheduleRepository) GetByID(ctx context.Context, id int64) (*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`
	s, err := scanSchedule(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return s, nil
}

func (r *scheduleRepository) GetByJobID(ctx context.Context, jobID string) (*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE job_id = $1`
	s, err := scanSchedule(r.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return s, nil
}

func (r *scheduleRepository) ListByUserID(ctx context.Context, userID int64) ([]*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE user_id = $1 ORDER BY id`
	return r.list(ctx, query, userID)
}

func (r *scheduleRepository) List(ctx context.Context, userID int64, status, platform string) ([]*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE user_id = $1`
	args := []interface{}{userID}

	if status != "" {
		args = append(args, status)
		query += ` AND status = $2`
	}
	if platform != "" {
		args = append(args, platform)
		if status != "" {
			query += ` AND platform = $3`
		} else {
			query += ` AND platform = $2`
		}
	}
	query += ` ORDER BY scheduled_at ASC`

	return r.list(ctx, query, args...)
}

func (r *scheduleRepository) ListNonTerminalByPostID(ctx context.Context, postID int64) ([]*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules
		WHERE post_id = $1 AND status IN ($2, $3) ORDER BY id`
	return r.list(ctx, query, postID, models.ScheduleStatusPending, models.ScheduleStatusProcessing)
}

func (r *scheduleRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return schedules, nil
}

// Claim is the compare-and-swap at the start of worker execution: it moves a
// schedule into processing and counts the attempt. A schedule that was
// cancelled (row gone) or already terminal claims zero rows, and the caller
// drops the job instead of publishing. Retries re-claim a row already in
// processing.
func (r *scheduleRepository) Claim(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE schedules
		SET status = $2, attempts = attempts + 1, updated_at = $3
		WHERE id = $1 AND status IN ($4, $2)
	`
	result, err := r.db.ExecContext(ctx, query, id,
		models.ScheduleStatusProcessing, time.Now(), models.ScheduleStatusPending)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return affected == 1, nil
}

func (r *scheduleRepository) MarkCompleted(ctx context.Context, id int64) error {
	query := `UPDATE schedules SET status = $2, error = NULL, updated_at = $3 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, models.ScheduleStatusCompleted, time.Now())
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *scheduleRepository) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	query := `UPDATE schedules SET status = $2, error = $3, updated_at = $4 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, models.ScheduleStatusFailed, errorMessage, time.Now())
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

// RecomputePostStatus derives the post's aggregate status from its
// schedules. The count and the post update run inside one serializable
// transaction so concurrent terminal transitions of sibling schedules cannot
// race on the remaining-count read.
func (r *scheduleRepository) RecomputePostStatus(ctx context.Context, postID int64) (string, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}
	defer tx.Rollback()

	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3),
			COUNT(*) FILTER (WHERE status = $4)
		FROM schedules
		WHERE post_id = $1
	`
	var total, pending, processing, failed int
	err = tx.QueryRowContext(ctx, query, postID,
		models.ScheduleStatusPending, models.ScheduleStatusProcessing, models.ScheduleStatusFailed).
		Scan(&total, &pending, &processing, &failed)
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}

	var status string
	switch {
	case total == 0:
		status = models.PostStatusDraft
	case processing > 0:
		status = models.PostStatusPublishing
	case pending > 0:
		status = models.PostStatusScheduled
	case failed > 0:
		status = models.PostStatusFailed
	default:
		status = models.PostStatusPublished
	}

	updateQuery := `UPDATE posts SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, updateQuery, postID, status, time.Now()); err != nil {
		slog.Info(err.Error())
		return "", err
	}

	if err := tx.Commit(); err != nil {
		slog.Info(err.Error())
		return "", err
	}
	return status, nil
}

func (r *scheduleRepository) CheckByUserID(ctx context.Context, scheduleID, userID int64) (bool, error) {
	query := "SELECT 1 FROM schedules WHERE id = $1 AND user_id = $2"

	var result int
	err := r.db.QueryRowContext(ctx, query, scheduleID, userID).Scan(&result)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		slog.Info(err.Error())
		return false, err
	}
	return result == 1, nil
}

func (r *scheduleRepository) Remove(ctx context.Context, id int64) error {
	query := `DELETE FROM schedules WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
