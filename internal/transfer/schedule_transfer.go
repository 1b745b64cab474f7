package transfer

type ScheduleCreation struct {
	PostID       int64   `json:"post_id"`
	AccountIDs   []int64 `json:"account_ids"`
	Frequency    string  `json:"frequency"`
	Hour         int     `json:"hour"`
	Minute       int     `json:"minute"`
	Timezone     string  `json:"timezone"`
	StartDate    string  `json:"start_date"` // 2006-01-02
	WeekStartsOn int     `json:"week_starts_on"`
}

type BulkScheduleCreation struct {
	PostIDs      []int64 `json:"post_ids"`
	AccountIDs   []int64 `json:"account_ids"`
	StartAt      string  `json:"start_at"` // 2006-01-02T15:04
	Timezone     string  `json:"timezone"`
	IntervalDays int     `json:"interval_days"`
	SkipWeekends bool    `json:"skip_weekends"`
}

type ScheduleCreated struct {
	ScheduleID  int64  `json:"schedule_id"`
	JobID       string `json:"job_id"`
	Platform    string `json:"platform"`
	AccountID   int64  `json:"account_id"`
	ScheduledAt string `json:"scheduled_at"`
}
