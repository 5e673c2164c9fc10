package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/consultly/call-service/internal/domain"
	"github.com/google/uuid"
)

// MemoryRepositoryManager is an in-memory RepositoryManager for unit tests.
// WithTx serializes through a single mutex, which also stands in for the
// row-level locking the Postgres implementation provides.
type MemoryRepositoryManager struct {
	mu     sync.Mutex
	calls  map[string]*domain.CallRecord
	events []*domain.CallEvent

	callRepo  *memoryCallRepo
	eventRepo *memoryCallEventRepo
}

// NewMemoryRepositoryManager creates an empty in-memory repository manager.
func NewMemoryRepositoryManager() *MemoryRepositoryManager {
	m := &MemoryRepositoryManager{calls: make(map[string]*domain.CallRecord)}
	m.callRepo = &memoryCallRepo{m: m}
	m.eventRepo = &memoryCallEventRepo{m: m}
	return m
}

func (m *MemoryRepositoryManager) Call() CallRepository           { return m.callRepo }
func (m *MemoryRepositoryManager) CallEvent() CallEventRepository { return m.eventRepo }

func (m *MemoryRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &MemoryRepositoryManager{calls: m.calls, events: m.events}
	tx.callRepo = &memoryCallRepo{m: tx, inTx: true}
	tx.eventRepo = &memoryCallEventRepo{m: tx, inTx: true}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.calls = tx.calls
	m.events = tx.events
	return nil
}

func (m *MemoryRepositoryManager) Ping(ctx context.Context) error { return nil }
func (m *MemoryRepositoryManager) Close() error                   { return nil }

// Events returns a snapshot of all appended events, for assertions.
func (m *MemoryRepositoryManager) Events() []*domain.CallEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.CallEvent, len(m.events))
	copy(out, m.events)
	return out
}

type memoryCallRepo struct {
	m    *MemoryRepositoryManager
	inTx bool
}

func (r *memoryCallRepo) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.m.mu.Lock()
	return r.m.mu.Unlock
}

func copyCall(c *domain.CallRecord) *domain.CallRecord {
	cp := *c
	return &cp
}

func (r *memoryCallRepo) Create(ctx context.Context, call *domain.CallRecord) error {
	defer r.lock()()
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	now := time.Now()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.UpdatedAt = now
	r.m.calls[call.ID] = copyCall(call)
	return nil
}

func (r *memoryCallRepo) GetByID(ctx context.Context, id string) (*domain.CallRecord, error) {
	defer r.lock()()
	c, ok := r.m.calls[id]
	if !ok {
		return nil, nil
	}
	return copyCall(c), nil
}

func (r *memoryCallRepo) GetByIDForUpdate(ctx context.Context, id string) (*domain.CallRecord, error) {
	return r.GetByID(ctx, id)
}

func (r *memoryCallRepo) Update(ctx context.Context, call *domain.CallRecord) error {
	defer r.lock()()
	call.UpdatedAt = time.Now()
	r.m.calls[call.ID] = copyCall(call)
	return nil
}

func (r *memoryCallRepo) CountActiveForUser(ctx context.Context, userID string) (int64, error) {
	defer r.lock()()
	var n int64
	for _, c := range r.m.calls {
		if c.Participant(userID) && !c.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (r *memoryCallRepo) FindActiveForUser(ctx context.Context, userID string) ([]*domain.CallRecord, error) {
	defer r.lock()()
	var out []*domain.CallRecord
	for _, c := range r.m.calls {
		if c.Participant(userID) && !c.Status.Terminal() {
			out = append(out, copyCall(c))
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

func (r *memoryCallRepo) FindHistoryForUser(ctx context.Context, userID string, filter HistoryFilter) ([]*domain.CallRecord, int64, error) {
	defer r.lock()()
	var matched []*domain.CallRecord
	for _, c := range r.m.calls {
		if !c.Participant(userID) {
			continue
		}
		if filter.Status != "" {
			if c.Status != filter.Status {
				continue
			}
		} else if !inStatuses(c.Status, domain.HistoryStatuses) {
			continue
		}
		if filter.CallType != "" && c.CallType != filter.CallType {
			continue
		}
		matched = append(matched, copyCall(c))
	}
	sortByCreatedDesc(matched)

	total := int64(len(matched))
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (r *memoryCallRepo) FindUnansweredBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	defer r.lock()()
	var ids []string
	for _, c := range r.m.calls {
		if c.Status.Ringable() && c.CreatedAt.Before(cutoff) {
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *memoryCallRepo) FindAnsweredBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	defer r.lock()()
	var ids []string
	for _, c := range r.m.calls {
		if c.Status == domain.CallStatusAnswered && c.AnsweredAt != nil && c.AnsweredAt.Before(cutoff) {
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *memoryCallRepo) FindUnreleasedTerminal(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	defer r.lock()()
	var out []*domain.CallRecord
	for _, c := range r.m.calls {
		if c.Status.Terminal() && !c.MediaRoomReleased {
			out = append(out, copyCall(c))
		}
	}
	sortByCreatedDesc(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryCallEventRepo struct {
	m    *MemoryRepositoryManager
	inTx bool
}

func (r *memoryCallEventRepo) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.m.mu.Lock()
	return r.m.mu.Unlock
}

func (r *memoryCallEventRepo) Append(ctx context.Context, event *domain.CallEvent) error {
	defer r.lock()()
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	cp := *event
	r.m.events = append(r.m.events, &cp)
	return nil
}

func (r *memoryCallEventRepo) ListByCallID(ctx context.Context, callID string) ([]*domain.CallEvent, error) {
	defer r.lock()()
	var out []*domain.CallEvent
	for _, e := range r.m.events {
		if e.CallID == callID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func sortByCreatedDesc(calls []*domain.CallRecord) {
	sort.Slice(calls, func(i, j int) bool { return calls[i].CreatedAt.After(calls[j].CreatedAt) })
}

func inStatuses(s domain.CallStatus, list []domain.CallStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
