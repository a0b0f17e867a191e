package storage

import "time"

// QueryRecord is one remote query call kept in the audit log.
type QueryRecord struct {
	ID          string    `json:"id" db:"id"`
	OID         string    `json:"oid" db:"oid"`
	Query       string    `json:"query" db:"query"`
	Stream      string    `json:"stream" db:"stream"`
	Mode        string    `json:"mode" db:"mode"` // full, paged, next, dry_run
	Rows        int       `json:"rows" db:"rows"`
	BilledUnits int64     `json:"billed_units" db:"billed_units"`
	DurationMS  int64     `json:"duration_ms" db:"duration_ms"`
	Status      string    `json:"status" db:"status"` // ok, error
	Error       string    `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// JobRecord tracks a download job as last observed by this client.
type JobRecord struct {
	JobID       string     `json:"job_id" db:"job_id"`
	OID         string     `json:"oid" db:"oid"`
	Query       string     `json:"query,omitempty" db:"query"`
	Status      string     `json:"status" db:"status"`
	ResultURL   string     `json:"result_url,omitempty" db:"result_url"`
	Error       string     `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ListFilter narrows audit listings. Empty fields match everything.
type ListFilter struct {
	OID    string
	Status string
	Since  *time.Time
	Limit  int
	Offset int
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > maxListLimit {
		return defaultListLimit
	}
	return f.Limit
}
