package chat

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/CUknot/collab_backend/models"
)

// Store is the durable side of the chat service.
type Store interface {
	Create(ctx context.Context, msg *models.ChatMessage) error
	// Recent returns up to limit messages of one scope created after since,
	// oldest first.
	Recent(ctx context.Context, kind models.ChatKind, scope string, since time.Time, limit int) ([]models.ChatMessage, error)
	// TrimToCap deletes the oldest messages of one scope until at most
	// limit remain, and reports how many were deleted.
	TrimToCap(ctx context.Context, kind models.ChatKind, scope string, limit int) (int64, error)
	// DeleteBefore deletes every message of kind created at or before cutoff.
	DeleteBefore(ctx context.Context, kind models.ChatKind, cutoff time.Time) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// GormStore keeps chat messages in a SQL database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store over db. The schema must already be migrated.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, msg *models.ChatMessage) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to create chat message: %w", err)
	}
	return nil
}

func (s *GormStore) Recent(ctx context.Context, kind models.ChatKind, scope string, since time.Time, limit int) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := s.db.WithContext(ctx).
		Where("kind = ? AND scope = ? AND created_at > ?", kind, scope, since).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chat messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *GormStore) TrimToCap(ctx context.Context, kind models.ChatKind, scope string, limit int) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.ChatMessage{}).
			Where("kind = ? AND scope = ?", kind, scope).
			Count(&count).Error; err != nil {
			return err
		}

		excess := int(count) - limit
		if excess <= 0 {
			return nil
		}

		var ids []uint
		if err := tx.Model(&models.ChatMessage{}).
			Where("kind = ? AND scope = ?", kind, scope).
			Order("created_at ASC, id ASC").
			Limit(excess).
			Pluck("id", &ids).Error; err != nil {
			return err
		}

		result := tx.Where("id IN ?", ids).Delete(&models.ChatMessage{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to trim chat scope: %w", err)
	}
	return deleted, nil
}

func (s *GormStore) DeleteBefore(ctx context.Context, kind models.ChatKind, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("kind = ? AND created_at <= ?", kind, cutoff).
		Delete(&models.ChatMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired chat messages: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) DeleteAll(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.ChatMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to clear chat messages: %w", result.Error)
	}
	return result.RowsAffected, nil
}
