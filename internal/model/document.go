package model

import "time"

type DocumentStatus string

const (
	DocumentPending DocumentStatus = "PENDING"
	DocumentRunning DocumentStatus = "RUNNING"
	DocumentDone    DocumentStatus = "DONE"
	DocumentError   DocumentStatus = "ERROR"
)

// Document is one uploaded file undergoing remote indexing.
//
// Status transitions are PENDING -> RUNNING -> {DONE, ERROR}; RUNNING -> PENDING
// only via an administrative or watchdog reset. A non-empty OpName means an
// upload was already attempted and a re-delivered job must not upload again.
// StatusUpdatedAt changes on every status write and is the sole staleness input
// for the watchdog.
type Document struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	StoreID         uint           `gorm:"not null;index" json:"store_id"`
	Filename        string         `gorm:"size:255;not null" json:"filename"`
	DisplayName     string         `gorm:"size:255" json:"display_name"`
	SizeBytes       int64          `gorm:"not null" json:"size_bytes"`
	Status          DocumentStatus `gorm:"size:16;not null;default:PENDING;index" json:"status"`
	StatusUpdatedAt time.Time      `gorm:"not null" json:"status_updated_at"`
	OpName          string         `gorm:"size:255" json:"op_name,omitempty"`
	RemoteFileID    string         `gorm:"size:255" json:"remote_file_id,omitempty"`
	LastError       string         `gorm:"type:text" json:"last_error,omitempty"`
	DeletedAt       *time.Time     `gorm:"index" json:"deleted_at,omitempty"`
	DeletedBy       *uint          `gorm:"index" json:"deleted_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// SetStatus writes a new status and bumps the staleness timestamp.
func (d *Document) SetStatus(status DocumentStatus, now time.Time) {
	d.Status = status
	d.StatusUpdatedAt = now.UTC()
}

// TouchStatus bumps the staleness timestamp without changing the status.
// Used as a heartbeat when a re-delivered job detects in-flight work.
func (d *Document) TouchStatus(now time.Time) {
	d.StatusUpdatedAt = now.UTC()
}

// StatusAge reports how long the document has been in its current status,
// falling back to the creation time when the status timestamp was never set.
func (d *Document) StatusAge(now time.Time) time.Duration {
	ts := d.StatusUpdatedAt
	if ts.IsZero() {
		ts = d.CreatedAt
	}
	return now.Sub(ts)
}

func (d *Document) SoftDelete(userID uint) time.Time {
	ts := time.Now().UTC()
	d.DeletedAt = &ts
	d.DeletedBy = &userID
	return ts
}

func (d *Document) Restore() {
	d.DeletedAt = nil
	d.DeletedBy = nil
}
