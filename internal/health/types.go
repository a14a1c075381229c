package health

import "time"

// HealthStatus represents the health state of an item.
type HealthStatus string

const (
	StatusOK      HealthStatus = "ok"
	StatusWarning HealthStatus = "warning"
	StatusError   HealthStatus = "error"
)

// HealthItem is the result of one check.
type HealthItem struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// Report is the aggregated health of the application. Status is the worst
// status of any item.
type Report struct {
	Status    HealthStatus `json:"status"`
	Items     []HealthItem `json:"items"`
	CheckedAt time.Time    `json:"checkedAt"`
}

func worse(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{StatusOK: 0, StatusWarning: 1, StatusError: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
