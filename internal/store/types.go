package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned for lookups and updates against absent records.
var ErrNotFound = errors.New("record not found")

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, lost on restart (development/tests)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusRunning   CampaignStatus = "running"
	StatusPaused    CampaignStatus = "paused"
	StatusCompleted CampaignStatus = "completed"
	StatusStopped   CampaignStatus = "stopped"
)

func (s CampaignStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusCompleted, StatusStopped:
		return true
	}
	return false
}

// Terminal reports whether no further transitions leave this status.
func (s CampaignStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

type TargetMode string

const (
	TargetAll    TargetMode = "all"
	TargetRole   TargetMode = "role"
	TargetActive TargetMode = "active"
	TargetNew    TargetMode = "new"
)

func (m TargetMode) Valid() bool {
	switch m {
	case TargetAll, TargetRole, TargetActive, TargetNew:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// Community is a chat group the bot belongs to.
type Community struct {
	ID          int64
	Title       string
	MemberCount int
	Connected   bool
}

// Member is one community member as observed by the gateway roster.
type Member struct {
	CommunityID int64
	UserID      int64
	Username    string
	DisplayName string
	Roles       []string
	JoinedAt    time.Time
	IsBot       bool
	LastSeenAt  time.Time
}

type MessageTemplate struct {
	ID        int64
	Name      string
	Content   string
	CreatedAt time.Time
}

// Campaign is one bulk-messaging job.
//
// MessagesSent/Failed/Queued are reconciled by the queue as it drains;
// TotalMembers is fixed once dispatch starts.
type Campaign struct {
	ID          int64
	Name        string
	CommunityID int64
	TemplateID  int64
	TargetMode  TargetMode
	TargetRole  string

	// RateLimit is a per-campaign messages-per-minute override recorded on
	// the campaign. Pacing uses the global policy; see DESIGN.md.
	RateLimit           int
	RespectUserSettings bool

	Status         CampaignStatus
	TotalMembers   int
	MessagesSent   int
	MessagesQueued int
	MessagesFailed int

	ScheduledAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// MessageLog is an immutable audit record of one delivery attempt.
type MessageLog struct {
	ID         int64
	CampaignID int64
	UserID     int64
	Username   string
	Status     DeliveryStatus
	Error      string
	At         time.Time
}

// RatePolicy is the global outbound admission configuration.
type RatePolicy struct {
	MessagesPerMinute int
	CooldownSeconds   int
	MaxQueueSize      int
	UpdatedAt         time.Time
}

// Default policy seeded on first open, mirroring conservative production
// settings for DM dispatch.
var DefaultRatePolicy = RatePolicy{
	MessagesPerMinute: 5,
	CooldownSeconds:   15,
	MaxQueueSize:      10000,
}
