package repository

import (
	"context"
	"time"

	"github.com/consultly/call-service/internal/domain"
	"gorm.io/gorm"
)

// HistoryFilter narrows and paginates call-history queries.
type HistoryFilter struct {
	CallType domain.CallType   // optional
	Status   domain.CallStatus // optional, must be a history status when set
	Page     int               // 1-based
	PageSize int
}

// CallRepository defines the durable store for call records. The call session
// service is the only writer of status and timestamps.
type CallRepository interface {
	Create(ctx context.Context, call *domain.CallRecord) error
	GetByID(ctx context.Context, id string) (*domain.CallRecord, error)
	// GetByIDForUpdate takes a row-level lock on the record; it is only
	// meaningful inside WithTx and serializes concurrent transitions.
	GetByIDForUpdate(ctx context.Context, id string) (*domain.CallRecord, error)
	Update(ctx context.Context, call *domain.CallRecord) error

	CountActiveForUser(ctx context.Context, userID string) (int64, error)
	FindActiveForUser(ctx context.Context, userID string) ([]*domain.CallRecord, error)
	FindHistoryForUser(ctx context.Context, userID string, filter HistoryFilter) ([]*domain.CallRecord, int64, error)

	// Sweep queries for the timeout reaper.
	FindUnansweredBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	FindAnsweredBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	FindUnreleasedTerminal(ctx context.Context, limit int) ([]*domain.CallRecord, error)
}

// CallEventRepository is the append-only audit trail for call transitions.
type CallEventRepository interface {
	Append(ctx context.Context, event *domain.CallEvent) error
	ListByCallID(ctx context.Context, callID string) ([]*domain.CallEvent, error)
}

// RepositoryManager combines all repositories
type RepositoryManager interface {
	Call() CallRepository
	CallEvent() CallEventRepository

	// WithTx executes fn within a database transaction; repositories obtained
	// from the manager passed to fn operate on that transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error

	Ping(ctx context.Context) error
	Close() error
}

// GormRepositoryManager implements RepositoryManager using GORM
type GormRepositoryManager struct {
	db            *gorm.DB
	callRepo      *GormCallRepository
	callEventRepo *GormCallEventRepository
}

// NewGormRepositoryManager creates a new GORM repository manager
func NewGormRepositoryManager(db *gorm.DB) *GormRepositoryManager {
	return &GormRepositoryManager{
		db:            db,
		callRepo:      NewGormCallRepository(db),
		callEventRepo: NewGormCallEventRepository(db),
	}
}

// Call returns the call record repository
func (m *GormRepositoryManager) Call() CallRepository {
	return m.callRepo
}

// CallEvent returns the call event repository
func (m *GormRepositoryManager) CallEvent() CallEventRepository {
	return m.callEventRepo
}

// WithTx executes a function within a database transaction
func (m *GormRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewGormRepositoryManager(tx))
	})
}

// Ping checks the database connection
func (m *GormRepositoryManager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (m *GormRepositoryManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
