package history

import "time"

// Operation is the acquisition that produced an entry.
type Operation string

const (
	OperationAssemble Operation = "assemble"
	OperationDownload Operation = "download"
	OperationVerify   Operation = "verify"
	OperationDelete   Operation = "delete"
	OperationCancel   Operation = "cancel"
)

// Outcome is how the operation ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeSkipped marks a re-entrant call that found a valid artifact.
	OutcomeSkipped Outcome = "skipped"
)

// Entry is one row of the acquisition ledger. The ledger is informational:
// artifact state is always derived from the filesystem.
type Entry struct {
	ID           string    `json:"id"`
	Operation    Operation `json:"operation"`
	Source       string    `json:"source"`
	ModelName    string    `json:"modelName"`
	FileName     string    `json:"fileName"`
	Outcome      Outcome   `json:"outcome"`
	ErrorKind    string    `json:"errorKind,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Bytes        int64     `json:"bytes"`
	DurationMs   int64     `json:"durationMs"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// RecordInput contains fields for recording a finished operation.
type RecordInput struct {
	Operation    Operation
	Source       string
	ModelName    string
	FileName     string
	Outcome      Outcome
	ErrorKind    string
	ErrorMessage string
	Bytes        int64
	StartedAt    time.Time
	FinishedAt   time.Time
}

// ListOptions contains options for listing history.
type ListOptions struct {
	Operation string
	Outcome   string
	Page      int
	PageSize  int
}

// ListResponse contains paginated history results.
type ListResponse struct {
	Items      []*Entry `json:"items"`
	Page       int      `json:"page"`
	PageSize   int      `json:"pageSize"`
	TotalCount int64    `json:"totalCount"`
	TotalPages int      `json:"totalPages"`
}
