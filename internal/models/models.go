// Package models defines the GORM persistence models for Valery.
package models

import "time"

// Turn roles for dialog entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// User is one chat-platform user known to the bot. Created lazily on first
// interaction; never deleted.
type User struct {
	ID        string `gorm:"primaryKey;size:64"` // platform user ID
	Username  string `gorm:"size:128"`
	FirstName string `gorm:"size:128"`
	LastName  string `gorm:"size:128"`
	FirstSeen time.Time
	LastSeen  time.Time
	// ChatMode references a key in the configured chat-mode catalog.
	ChatMode string `gorm:"size:64"`
	// Cumulative usage counters. Monotonically non-decreasing.
	TotalTokens      int64   `gorm:"default:0"`
	TranscribedSecs  float64 `gorm:"default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Turns []DialogTurn `gorm:"foreignKey:UserID"`
}

// DialogTurn is a single entry in a user's current dialog. Turns are
// appended in strict user→assistant pairs and cleared only as a whole
// when the user starts a new dialog.
type DialogTurn struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	UserID    string `gorm:"size:64;not null;index"`
	Sequence  int    `gorm:"not null"`
	Role      string `gorm:"size:16;not null"` // "user" or "assistant"
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}
