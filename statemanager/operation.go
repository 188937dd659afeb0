package statemanager

import "time"

// JobState tracks one dispatch the job controller is responsible for,
// keyed by the request's hashed fingerprint. It exists because the broker
// only answers "which target is this fingerprint in" — it has no notion of
// how long a job has been running, which metric/cohort it's for, or why it
// failed, and spec.md §6's GET /job_queue/ listing needs all three.
type JobState struct {
	Fingerprint string     `json:"fingerprint"`
	Metric      string     `json:"metric"`
	Cohort      string     `json:"cohort_expression"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Status is a job's lifecycle stage as seen from the controller. It only
// covers what one controller process directly observes — spec.md §4.5's
// broader queued/running/draining/cached state list is assembled by
// httpapi's /job_queue/ handler from the broker targets plus this Manager.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Stats summarizes the tracked job window for the admin stats endpoint.
type Stats struct {
	TotalJobs       int            `json:"total_jobs"`
	ByStatus        map[Status]int `json:"by_status"`
	ByMetric        map[string]int `json:"by_metric"`
	AverageDuration string         `json:"average_duration,omitempty"`
}
