package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/consultly/call-service/internal/config"
	"github.com/consultly/call-service/internal/repository"
	pkgredis "github.com/consultly/call-service/pkg/redis"
)

// ErrUserLocked is returned by a UserLocker when the per-user admission lock
// is already held, meaning another initiation involving that user is in
// flight right now.
var ErrUserLocked = errors.New("user admission lock held")

// UserLocker provides per-user advisory locks. The admission check spans the
// caller/receiver pair before any call record exists, so it must be
// serialized per user, not per call.
type UserLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// RedisLocker implements UserLocker on redis SET NX locks.
type RedisLocker struct {
	svc *pkgredis.RedisService
}

// NewRedisLocker creates a redis-backed user locker
func NewRedisLocker(svc *pkgredis.RedisService) *RedisLocker {
	return &RedisLocker{svc: svc}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	release, err := l.svc.AcquireLock(ctx, l.svc.GenerateKey(pkgredis.USER_CALL_LOCK, key), ttl)
	if err != nil {
		if errors.Is(err, pkgredis.ErrLockHeld) {
			return nil, ErrUserLocked
		}
		return nil, err
	}
	return release, nil
}

// MemoryLocker is an in-process UserLocker for tests and single-instance
// deployments.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLocker creates an in-process user locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrUserLocked
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

// BusyGuard is the admission control deciding whether a user may start a new
// call. The busy predicate is derived from call records, so the check and the
// subsequent create must run under the same per-user locks to close the
// read-then-write race.
type BusyGuard struct {
	repos         repository.RepositoryManager
	locker        UserLocker
	maxConcurrent int
	lockTTL       time.Duration
}

// NewBusyGuard creates the admission control guard
func NewBusyGuard(repos repository.RepositoryManager, locker UserLocker, maxConcurrent int, lockTTL time.Duration) *BusyGuard {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &BusyGuard{
		repos:         repos,
		locker:        locker,
		maxConcurrent: maxConcurrent,
		lockTTL:       lockTTL,
	}
}

// Admit acquires per-user locks for both parties (sorted, to avoid lock-order
// inversion), verifies neither party exceeds the concurrent-call limit, and
// runs create while still holding the locks. A held lock is reported as the
// corresponding busy denial: the holder is creating a call involving that
// user at this very moment.
func (g *BusyGuard) Admit(ctx context.Context, callerID, receiverID string, create func(ctx context.Context) error) error {
	if callerID == receiverID {
		return validationErrorf("caller and receiver must differ")
	}

	keys := []string{callerID, receiverID}
	sort.Strings(keys)

	for _, key := range keys {
		release, err := g.locker.Acquire(ctx, key, g.lockTTL)
		if err != nil {
			if errors.Is(err, ErrUserLocked) {
				return g.busyError(key, callerID)
			}
			return fmt.Errorf("admission lock failed for %s: %w", key, err)
		}
		defer release()
	}

	callerActive, err := g.repos.Call().CountActiveForUser(ctx, callerID)
	if err != nil {
		return err
	}
	if callerActive >= int64(g.maxConcurrent) {
		return &BusyError{Code: config.ErrCodeCallerBusy}
	}

	receiverActive, err := g.repos.Call().CountActiveForUser(ctx, receiverID)
	if err != nil {
		return err
	}
	if receiverActive >= int64(g.maxConcurrent) {
		return &BusyError{Code: config.ErrCodeReceiverBusy}
	}

	return create(ctx)
}

func (g *BusyGuard) busyError(lockedUser, callerID string) *BusyError {
	if lockedUser == callerID {
		return &BusyError{Code: config.ErrCodeCallerBusy}
	}
	return &BusyError{Code: config.ErrCodeReceiverBusy}
}
