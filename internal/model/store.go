package model

import "time"

// Store is a tenant-owned collection of documents mapped 1:1 to a remote
// File Search namespace. FSName is unique and immutable after creation.
type Store struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	UserID      uint       `gorm:"not null;index" json:"user_id"`
	DisplayName string     `gorm:"size:100;not null" json:"display_name"`
	FSName      string     `gorm:"size:255;not null;uniqueIndex" json:"fs_name"`
	DeletedAt   *time.Time `gorm:"index" json:"deleted_at,omitempty"`
	DeletedBy   *uint      `gorm:"index" json:"deleted_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (s *Store) SoftDelete(userID uint) time.Time {
	ts := time.Now().UTC()
	s.DeletedAt = &ts
	s.DeletedBy = &userID
	return ts
}

func (s *Store) Restore() {
	s.DeletedAt = nil
	s.DeletedBy = nil
}
