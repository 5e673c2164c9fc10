package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/consultly/call-service/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCallRepository handles database operations for call records
type GormCallRepository struct {
	db *gorm.DB
}

// NewGormCallRepository creates a new call record repository
func NewGormCallRepository(db *gorm.DB) *GormCallRepository {
	return &GormCallRepository{db: db}
}

// Create creates a new call record
func (r *GormCallRepository) Create(ctx context.Context, call *domain.CallRecord) error {
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	now := time.Now()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(call).Error; err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

// GetByID retrieves a call record by ID
func (r *GormCallRepository) GetByID(ctx context.Context, id string) (*domain.CallRecord, error) {
	var call domain.CallRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&call).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return &call, nil
}

// GetByIDForUpdate retrieves a call record under SELECT ... FOR UPDATE so that
// concurrent transitions on the same call are serialized by the database.
func (r *GormCallRepository) GetByIDForUpdate(ctx context.Context, id string) (*domain.CallRecord, error) {
	var call domain.CallRecord
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&call).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock call record: %w", err)
	}
	return &call, nil
}

// Update saves mutations to an existing call record
func (r *GormCallRepository) Update(ctx context.Context, call *domain.CallRecord) error {
	call.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(call).Error; err != nil {
		return fmt.Errorf("failed to update call record: %w", err)
	}
	return nil
}

// CountActiveForUser counts non-terminal calls the user participates in,
// as caller or receiver.
func (r *GormCallRepository) CountActiveForUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.CallRecord{}).
		Where("(caller_id = ? OR receiver_id = ?) AND status IN ?", userID, userID, domain.ActiveStatuses).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count active calls: %w", err)
	}
	return count, nil
}

// FindActiveForUser lists the user's non-terminal calls, newest first.
func (r *GormCallRepository) FindActiveForUser(ctx context.Context, userID string) ([]*domain.CallRecord, error) {
	var calls []*domain.CallRecord
	if err := r.db.WithContext(ctx).
		Where("(caller_id = ? OR receiver_id = ?) AND status IN ?", userID, userID, domain.ActiveStatuses).
		Order("created_at DESC").
		Find(&calls).Error; err != nil {
		return nil, fmt.Errorf("failed to find active calls: %w", err)
	}
	return calls, nil
}

// FindHistoryForUser lists the user's finished calls with optional filters,
// paginated, newest first. Cancelled calls are not part of history surfaces.
func (r *GormCallRepository) FindHistoryForUser(ctx context.Context, userID string, filter HistoryFilter) ([]*domain.CallRecord, int64, error) {
	query := r.db.WithContext(ctx).Model(&domain.CallRecord{}).
		Where("caller_id = ? OR receiver_id = ?", userID, userID)

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	} else {
		query = query.Where("status IN ?", domain.HistoryStatuses)
	}
	if filter.CallType != "" {
		query = query.Where("call_type = ?", filter.CallType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count call history: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	var calls []*domain.CallRecord
	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&calls).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to find call history: %w", err)
	}
	return calls, total, nil
}

// FindUnansweredBefore returns ids of initiated/ringing calls created before
// the cutoff. Used by the reaper to force the missed transition.
func (r *GormCallRepository) FindUnansweredBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&domain.CallRecord{}).
		Where("status IN ? AND created_at < ?", []domain.CallStatus{domain.CallStatusInitiated, domain.CallStatusRinging}, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to find unanswered calls: %w", err)
	}
	return ids, nil
}

// FindAnsweredBefore returns ids of answered calls whose answered_at is before
// the cutoff. Used by the reaper to force the ended transition.
func (r *GormCallRepository) FindAnsweredBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&domain.CallRecord{}).
		Where("status = ? AND answered_at < ?", domain.CallStatusAnswered, cutoff).
		Order("answered_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to find overlong calls: %w", err)
	}
	return ids, nil
}

// FindUnreleasedTerminal returns terminal calls whose media room teardown has
// not succeeded yet. Used by the reconciliation pass.
func (r *GormCallRepository) FindUnreleasedTerminal(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	var calls []*domain.CallRecord
	if err := r.db.WithContext(ctx).
		Where("media_room_released = ? AND status NOT IN ?", false, domain.ActiveStatuses).
		Order("updated_at ASC").
		Limit(limit).
		Find(&calls).Error; err != nil {
		return nil, fmt.Errorf("failed to find unreleased rooms: %w", err)
	}
	return calls, nil
}
