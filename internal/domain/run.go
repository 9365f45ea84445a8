package domain

import "time"

// Sync run statuses.
const (
	RunPending = "pending"
	RunSuccess = "success"
	RunPartial = "partial" // completed with individual mutation failures
	RunFailed  = "failed"
)

// SyncRun records one reconciliation pass over an integration unit.
// Used for audit trail and troubleshooting.
type SyncRun struct {
	ID         string     `json:"id" db:"id"`
	UnitID     string     `json:"unit_id" db:"unit_id"`
	UnitName   string     `json:"unit_name" db:"unit_name"`
	Status     string     `json:"status" db:"status"`
	Report     string     `json:"report,omitempty" db:"report"` // JSON string
	Error      string     `json:"error,omitempty" db:"error"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// SyncResponse is returned after a sync operation.
type SyncResponse struct {
	Runs   []*SyncRun `json:"runs"`
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
}
