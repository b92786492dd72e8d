// Package store is the persistence layer over GORM: user records, dialog
// turns, and cumulative usage counters.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/valerybot/valery/internal/models"
	"gorm.io/gorm"
)

// Profile carries the platform-provided identity fields recorded on first
// contact.
type Profile struct {
	Username  string
	FirstName string
	LastName  string
}

// Store wraps a GORM connection with the bot's persistence operations.
type Store struct {
	db *gorm.DB
}

// New creates a Store.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Store{db: db}, nil
}

// GetUser fetches a user by ID, creating a default record if absent.
// The defaultMode is assigned to newly created users only.
func (s *Store) GetUser(userID, defaultMode string) (*models.User, error) {
	var user models.User
	err := s.db.First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		now := time.Now().UTC()
		user = models.User{
			ID:        userID,
			ChatMode:  defaultMode,
			FirstSeen: now,
			LastSeen:  now,
		}
		if err := s.db.Create(&user).Error; err != nil {
			return nil, fmt.Errorf("store: create user %s: %w", userID, err)
		}
		return &user, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %s: %w", userID, err)
	}
	return &user, nil
}

// PutUser upserts the user record.
func (s *Store) PutUser(user *models.User) error {
	if err := s.db.Save(user).Error; err != nil {
		return fmt.Errorf("store: put user %s: %w", user.ID, err)
	}
	return nil
}

// Register refreshes LastSeen and, on first contact, records the profile
// fields. Returns the up-to-date user record.
func (s *Store) Register(userID, defaultMode string, p Profile) (*models.User, error) {
	user, err := s.GetUser(userID, defaultMode)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	user.LastSeen = now
	if user.Username == "" && (p.Username != "" || p.FirstName != "") {
		user.Username = p.Username
		user.FirstName = p.FirstName
		user.LastName = p.LastName
	}
	if err := s.PutUser(user); err != nil {
		return nil, err
	}
	return user, nil
}

// Dialog returns the user's current dialog turns in chronological order.
func (s *Store) Dialog(userID string) ([]models.DialogTurn, error) {
	var turns []models.DialogTurn
	err := s.db.Where("user_id = ?", userID).Order("sequence").Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("store: dialog for %s: %w", userID, err)
	}
	return turns, nil
}

// AppendTurn appends one user→assistant pair to the dialog atomically.
// Partial pairs are never written.
func (s *Store) AppendTurn(userID, userText, assistantText string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		if err := tx.Model(&models.DialogTurn{}).
			Where("user_id = ?", userID).
			Select("COALESCE(MAX(sequence), 0)").Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("max sequence: %w", err)
		}
		pair := []models.DialogTurn{
			{UserID: userID, Sequence: maxSeq + 1, Role: models.RoleUser, Content: userText},
			{UserID: userID, Sequence: maxSeq + 2, Role: models.RoleAssistant, Content: assistantText},
		}
		if err := tx.Create(&pair).Error; err != nil {
			return fmt.Errorf("insert pair: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: append turn for %s: %w", userID, err)
	}
	return nil
}

// ClearDialog deletes the user's entire dialog. Dialogs are only ever
// cleared wholesale, never partially.
func (s *Store) ClearDialog(userID string) error {
	if err := s.db.Where("user_id = ?", userID).Delete(&models.DialogTurn{}).Error; err != nil {
		return fmt.Errorf("store: clear dialog for %s: %w", userID, err)
	}
	return nil
}

// AddTokens adds n to the user's cumulative token counter. Negative n is
// rejected so the counter stays monotone.
func (s *Store) AddTokens(userID string, n int64) error {
	if n < 0 {
		return fmt.Errorf("store: add tokens for %s: negative delta %d", userID, n)
	}
	if n == 0 {
		return nil
	}
	result := s.db.Model(&models.User{}).
		Where("id = ?", userID).
		Update("total_tokens", gorm.Expr("total_tokens + ?", n))
	if result.Error != nil {
		return fmt.Errorf("store: add tokens for %s: %w", userID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: add tokens: user %s not found", userID)
	}
	return nil
}

// AddTranscribedSecs adds secs to the user's cumulative transcription
// counter. Negative values are rejected.
func (s *Store) AddTranscribedSecs(userID string, secs float64) error {
	if secs < 0 {
		return fmt.Errorf("store: add transcribed secs for %s: negative delta %f", userID, secs)
	}
	if secs == 0 {
		return nil
	}
	result := s.db.Model(&models.User{}).
		Where("id = ?", userID).
		Update("transcribed_secs", gorm.Expr("transcribed_secs + ?", secs))
	if result.Error != nil {
		return fmt.Errorf("store: add transcribed secs for %s: %w", userID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: add transcribed secs: user %s not found", userID)
	}
	return nil
}

// SetChatMode changes the user's chat mode and clears the dialog, since a
// mode switch starts a fresh conversation.
func (s *Store) SetChatMode(userID, mode string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.User{}).Where("id = ?", userID).Update("chat_mode", mode)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("user %s not found", userID)
		}
		return tx.Where("user_id = ?", userID).Delete(&models.DialogTurn{}).Error
	})
	if err != nil {
		return fmt.Errorf("store: set chat mode for %s: %w", userID, err)
	}
	return nil
}

// UsageTotals aggregates cumulative usage across all users.
type UsageTotals struct {
	Users           int64
	TotalTokens     int64
	TranscribedSecs float64
}

// Totals returns aggregate usage counters for the digest and dashboard.
func (s *Store) Totals() (UsageTotals, error) {
	var t UsageTotals
	if err := s.db.Model(&models.User{}).Count(&t.Users).Error; err != nil {
		return t, fmt.Errorf("store: totals: %w", err)
	}
	row := s.db.Model(&models.User{}).
		Select("COALESCE(SUM(total_tokens), 0), COALESCE(SUM(transcribed_secs), 0)").
		Row()
	if err := row.Scan(&t.TotalTokens, &t.TranscribedSecs); err != nil {
		return t, fmt.Errorf("store: totals: %w", err)
	}
	return t, nil
}

// RecentUsers returns up to limit users ordered by most recent activity.
func (s *Store) RecentUsers(limit int) ([]models.User, error) {
	if limit <= 0 {
		limit = 20
	}
	var users []models.User
	err := s.db.Order("last_seen DESC").Limit(limit).Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("store: recent users: %w", err)
	}
	return users, nil
}
