package models

import "time"

// Schedule is one "publish this post to this account at this instant". Sibling
// schedules of the same post have independent lifecycles; the post's status is
// derived from them.
type Schedule struct {
	ID           int64     `db:"id" json:"id"`
	UserID       int64     `db:"user_id" json:"user_id"`
	PostID       int64     `db:"post_id" json:"post_id"`
	AccountID    int64     `db:"account_id" json:"account_id"`
	Platform     string    `db:"platform" json:"platform"`
	Frequency    string    `db:"frequency" json:"frequency"`
	Hour         int       `db:"hour" json:"hour"`
	Minute       int       `db:"minute" json:"minute"`
	Timezone     string    `db:"timezone" json:"timezone"`
	StartDate    time.Time `db:"start_date" json:"start_date"`
	WeekStartsOn int       `db:"week_starts_on" json:"week_starts_on"`
	ScheduledAt  time.Time `db:"scheduled_at" json:"scheduled_at"`
	Status       string    `db:"status" json:"status"`
	JobID        string    `db:"job_id" json:"job_id"`
	Attempts     int       `db:"attempts" json:"attempts"`
	Error        string    `db:"error" json:"error,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

const (
	ScheduleStatusPending    = "pending"
	ScheduleStatusProcessing = "processing"
	ScheduleStatusCompleted  = "completed"
	ScheduleStatusFailed     = "failed"
)

// Terminal reports whether the schedule has reached a final state.
func (s *Schedule) Terminal() bool {
	return s.Status == ScheduleStatusCompleted || s.Status == ScheduleStatusFailed
}
