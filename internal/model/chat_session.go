package model

import "time"

// ChatSession groups an ordered list of role-tagged messages. The title is set
// once from the first user message; UpdatedAt bumps on every new message.
type ChatSession struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	StoreID   *uint     `gorm:"index" json:"store_id,omitempty"`
	Title     string    `gorm:"type:text" json:"title"`
	UpdatedAt time.Time `gorm:"not null;index" json:"updated_at"`
}

// ChatHistory is one role-tagged message within a session, replayed into the
// prompt context on subsequent turns.
type ChatHistory struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	StoreID   *uint     `gorm:"index" json:"store_id,omitempty"`
	SessionID string    `gorm:"size:64;not null;index" json:"session_id"`
	Role      string    `gorm:"size:20;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
