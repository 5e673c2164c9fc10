package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/consultly/call-service/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormCallEventRepository handles database operations for call events.
// Events are append-only; there are deliberately no update or delete methods,
// rows disappear only via the cascade on their call record.
type GormCallEventRepository struct {
	db *gorm.DB
}

// NewGormCallEventRepository creates a new call event repository
func NewGormCallEventRepository(db *gorm.DB) *GormCallEventRepository {
	return &GormCallEventRepository{db: db}
}

// Append writes a single audit event
func (r *GormCallEventRepository) Append(ctx context.Context, event *domain.CallEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to append call event: %w", err)
	}
	return nil
}

// ListByCallID retrieves all events for a call, oldest first
func (r *GormCallEventRepository) ListByCallID(ctx context.Context, callID string) ([]*domain.CallEvent, error) {
	var events []*domain.CallEvent
	if err := r.db.WithContext(ctx).
		Where("call_id = ?", callID).
		Order("created_at ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list call events: %w", err)
	}
	return events, nil
}
