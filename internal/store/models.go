// Package store provides the persistent registry and protocol state for the
// wake-session engine, backed by PostgreSQL through GORM.
package store

import (
	"time"
)

// DeviceStatus is the provisioning lifecycle state of a device.
type DeviceStatus string

// Device lifecycle states. A device moves forward only:
// unprovisioned -> pending_assignment -> active.
const (
	DeviceUnprovisioned     DeviceStatus = "unprovisioned"
	DevicePendingAssignment DeviceStatus = "pending_assignment"
	DeviceActive            DeviceStatus = "active"
)

// Device represents a battery-powered camera device in the registry.
// Wake timestamps are owned by the scheduler; Status is owned by the
// assignment workflow.
type Device struct {
	DeviceID   string       `gorm:"uniqueIndex;not null"`
	WakeSpec   string       `gorm:"not null;default:''"`
	Status     DeviceStatus `gorm:"not null;default:'unprovisioned'"`
	SiteID     *uint        `gorm:"index"`
	MaxRetries int          `gorm:"not null;default:3"`
	LastSeen   time.Time    `gorm:"index:idx_devices_last_seen"`
	LastWakeAt *time.Time
	NextWakeAt *time.Time `gorm:"index:idx_devices_next_wake"`
	CreatedAt  time.Time  `gorm:"autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime"`
	ID         uint       `gorm:"primaryKey"`
}

// TableName specifies the table name for the Device model.
func (Device) TableName() string {
	return "devices"
}

// Tenant is the owning organisation of one or more programs.
type Tenant struct {
	Name      string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	ID        uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for the Tenant model.
func (Tenant) TableName() string {
	return "tenants"
}

// Program is a planting program grouping sites under a tenant.
type Program struct {
	Name      string    `gorm:"not null"`
	TenantID  uint      `gorm:"index;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	ID        uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for the Program model.
func (Program) TableName() string {
	return "programs"
}

// Site is a physical planting site. Timezone is an IANA name and defines
// the local day boundary for wake sessions.
type Site struct {
	Name      string    `gorm:"not null"`
	Timezone  string    `gorm:"not null;default:'UTC'"`
	ProgramID uint      `gorm:"index;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	ID        uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for the Site model.
func (Site) TableName() string {
	return "sites"
}

// SessionStatus is the lifecycle state of a wake session.
type SessionStatus string

// Wake session states: pending -> in_progress -> locked.
const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionLocked     SessionStatus = "locked"
)

// WakeSession aggregates all wakes for one site on one site-local day.
// Counters are only ever mutated through atomic increments; a locked
// session rejects all further mutation. The partial unique index on
// (site_id, day) over non-locked rows is what makes concurrent first
// wakes of a day converge on a single session.
type WakeSession struct {
	Day            string        `gorm:"index:idx_sessions_site_day;uniqueIndex:idx_sessions_open,where:status <> 'locked';not null"` // YYYY-MM-DD in site-local time
	Status         SessionStatus `gorm:"not null;default:'pending'"`
	SiteID         uint          `gorm:"index:idx_sessions_site_day;uniqueIndex:idx_sessions_open;not null"`
	ExpectedWakes  int           `gorm:"not null;default:0"`
	CompletedCount int           `gorm:"not null;default:0"`
	FailedCount    int           `gorm:"not null;default:0"`
	ExtraCount     int           `gorm:"not null;default:0"`
	LockedAt       *time.Time
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
	ID             uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for the WakeSession model.
func (WakeSession) TableName() string {
	return "wake_sessions"
}

// PayloadStatus is the lifecycle state of a wake payload.
type PayloadStatus string

// Wake payload states. Terminal states are complete and failed.
const (
	PayloadPending  PayloadStatus = "pending"
	PayloadComplete PayloadStatus = "complete"
	PayloadFailed   PayloadStatus = "failed"
)

// WakePayload records one device wake event, its inline telemetry, and an
// optional reference to the image transfer received during the wake.
type WakePayload struct {
	DeviceID      string        `gorm:"index;not null"`
	Status        PayloadStatus `gorm:"not null;default:'pending'"`
	SessionID     *uint         `gorm:"index"`
	TransferID    *uint
	CapturedAt    *time.Time
	ReceivedAt    time.Time `gorm:"not null"`
	Temperature   float64
	Humidity      float64
	Pressure      float64
	GasResistance float64
	ErrorFlag     int
	Overage       bool      `gorm:"not null;default:false"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
	ID            uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for the WakePayload model.
func (WakePayload) TableName() string {
	return "wake_payloads"
}

// TransferStatus is the lifecycle state of an image transfer.
type TransferStatus string

// Image transfer states:
// awaiting_metadata -> receiving -> assembling -> complete | failed.
// A failed transfer re-enters receiving through the resume path.
const (
	TransferAwaitingMetadata TransferStatus = "awaiting_metadata"
	TransferReceiving        TransferStatus = "receiving"
	TransferAssembling       TransferStatus = "assembling"
	TransferComplete         TransferStatus = "complete"
	TransferFailed           TransferStatus = "failed"
)

// ImageTransfer tracks the delivery of one named image from one device.
// The composite unique index on (device_id, image_name) is what makes
// concurrent duplicate metadata messages safe: a resumed transfer always
// lands on the same row.
type ImageTransfer struct {
	DeviceID       string         `gorm:"uniqueIndex:idx_transfers_device_image;not null"`
	ImageName      string         `gorm:"uniqueIndex:idx_transfers_device_image;not null"`
	Status         TransferStatus `gorm:"index;not null;default:'awaiting_metadata'"`
	ImageSize      int64
	ChunkSize      int
	TotalChunks    int
	ReceivedChunks int `gorm:"not null;default:0"`
	RetryCount     int `gorm:"not null;default:0"`
	FailureReason  string
	ObjectKey      string
	CapturedAt     *time.Time
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
	ID             uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for the ImageTransfer model.
func (ImageTransfer) TableName() string {
	return "image_transfers"
}

// CommandStatus is the delivery state of a queued device command.
type CommandStatus string

// Command states: pending -> sent -> acknowledged | failed. A command
// that misses its wake window expires into failed and is never redelivered.
const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
)

// Command kinds understood by device firmware.
const (
	CommandCapture    = "capture_image"
	CommandSendImage  = "send_image"
	CommandRetryImage = "retry_image"
	CommandSchedule   = "schedule"
	CommandWelcome    = "welcome"
)

// Command is a queued instruction for a sleeping device, delivered by the
// dispatcher during the device's next wake window.
type Command struct {
	CommandID    string        `gorm:"uniqueIndex;not null"` // UUID
	DeviceID     string        `gorm:"index;not null"`
	Type         string        `gorm:"not null"`
	Payload      string        `gorm:"type:text"` // JSON document
	Status       CommandStatus `gorm:"index;not null;default:'pending'"`
	Priority     int           `gorm:"not null;default:0"`
	ScheduledFor time.Time     `gorm:"index;not null"`
	ExpiresAt    time.Time     `gorm:"not null"`
	RetryCount   int           `gorm:"not null;default:0"`
	SentAt       *time.Time
	AckedAt      *time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
	ID           uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for the Command model.
func (Command) TableName() string {
	return "commands"
}
