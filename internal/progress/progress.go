// Package progress tracks long-running activities and broadcasts their
// state to connected WebSocket clients.
package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ActivityType identifies the type of activity being tracked.
type ActivityType string

const (
	ActivityTypeAssemble ActivityType = "assemble"
	ActivityTypeDownload ActivityType = "download"
	ActivityTypeVerify   ActivityType = "verify"
	ActivityTypeSweep    ActivityType = "staging-sweep"
)

// Status represents the current state of an activity.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Activity represents a trackable activity with progress.
type Activity struct {
	ID          string         `json:"id"`
	Type        ActivityType   `json:"type"`
	Title       string         `json:"title"`
	Subtitle    string         `json:"subtitle"`
	Progress    int            `json:"progress"` // 0-100, -1 for indeterminate
	Status      Status         `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt"`
	Metadata    map[string]any `json:"metadata"`
}

// EventType identifies the type of progress event.
type EventType string

const (
	EventTypeStarted   EventType = "progress:started"
	EventTypeUpdate    EventType = "progress:update"
	EventTypeCompleted EventType = "progress:completed"
	EventTypeError     EventType = "progress:error"
	EventTypeCancelled EventType = "progress:cancelled"
)

// Broadcaster delivers events to clients. *websocket.Hub implements it.
type Broadcaster interface {
	Broadcast(msgType string, payload any)
}

// Finished activities stay visible for a while so clients can render the
// outcome.
const (
	completedRetention = 5 * time.Second
	cancelledRetention = 5 * time.Second
	failedRetention    = 10 * time.Second
)

// Manager tracks and broadcasts progress for all activities.
type Manager struct {
	hub        Broadcaster
	activities map[string]*Activity
	mu         sync.RWMutex
	logger     zerolog.Logger
}

// NewManager creates a new progress manager. hub may be nil.
func NewManager(hub Broadcaster, logger zerolog.Logger) *Manager {
	return &Manager{
		hub:        hub,
		activities: make(map[string]*Activity),
		logger:     logger.With().Str("component", "progress").Logger(),
	}
}

// StartActivity creates and starts tracking a new activity.
func (m *Manager) StartActivity(id string, activityType ActivityType, title string) *Activity {
	m.mu.Lock()
	defer m.mu.Unlock()

	activity := &Activity{
		ID:        id,
		Type:      activityType,
		Title:     title,
		Subtitle:  "Starting...",
		Status:    StatusInProgress,
		StartedAt: time.Now(),
		Metadata:  make(map[string]any),
	}

	m.activities[id] = activity
	m.broadcast(EventTypeStarted, activity)

	m.logger.Debug().
		Str("id", id).
		Str("type", string(activityType)).
		Str("title", title).
		Msg("Activity started")

	return activity
}

// UpdateActivity updates an existing activity's progress.
func (m *Manager) UpdateActivity(id, subtitle string, progress int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	activity, exists := m.activities[id]
	if !exists || activity.Status != StatusInProgress {
		return
	}

	activity.Subtitle = subtitle
	activity.Progress = progress

	m.broadcast(EventTypeUpdate, activity)
}

// SetMetadata records an activity-specific value.
func (m *Manager) SetMetadata(id, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if activity, exists := m.activities[id]; exists {
		activity.Metadata[key] = value
	}
}

// CompleteActivity marks an activity as completed.
func (m *Manager) CompleteActivity(id, subtitle string) {
	m.finish(id, StatusCompleted, subtitle, EventTypeCompleted, completedRetention)
}

// FailActivity marks an activity as failed.
func (m *Manager) FailActivity(id, errorMsg string) {
	m.finish(id, StatusFailed, errorMsg, EventTypeError, failedRetention)
}

// CancelActivity marks an activity as cancelled.
func (m *Manager) CancelActivity(id string) {
	m.finish(id, StatusCancelled, "Cancelled", EventTypeCancelled, cancelledRetention)
}

func (m *Manager) finish(id string, status Status, subtitle string, event EventType, retention time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	activity, exists := m.activities[id]
	if !exists || activity.Status != StatusInProgress {
		return
	}

	now := time.Now()
	activity.Status = status
	activity.Subtitle = subtitle
	activity.CompletedAt = &now
	switch status {
	case StatusCompleted:
		activity.Progress = 100
	case StatusFailed:
		activity.Metadata["error"] = subtitle
	}

	m.broadcast(event, activity)

	time.AfterFunc(retention, func() { m.forget(id, activity) })

	m.logger.Debug().
		Str("id", id).
		Str("title", activity.Title).
		Str("status", string(status)).
		Msg("Activity finished")
}

// forget drops a finished activity unless the id was reused meanwhile.
func (m *Manager) forget(id string, activity *Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activities[id] == activity {
		delete(m.activities, id)
	}
}

// GetActivity returns a copy of the activity, or nil.
func (m *Manager) GetActivity(id string) *Activity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	activity, ok := m.activities[id]
	if !ok {
		return nil
	}
	return activity.clone()
}

// GetAllActivities returns copies of all tracked activities, oldest first.
func (m *Manager) GetAllActivities() []*Activity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Activity, 0, len(m.activities))
	for _, activity := range m.activities {
		result = append(result, activity.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result
}

func (a *Activity) clone() *Activity {
	c := *a
	c.Metadata = make(map[string]any, len(a.Metadata))
	for k, v := range a.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

func (m *Manager) broadcast(eventType EventType, activity *Activity) {
	if m.hub == nil {
		return
	}
	m.hub.Broadcast(string(eventType), activity.clone())
}
