package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/consultly/call-service/internal/config"
	"github.com/consultly/call-service/internal/domain"
	"github.com/consultly/call-service/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitRejectsSelfCall(t *testing.T) {
	guard := NewBusyGuard(repository.NewMemoryRepositoryManager(), NewMemoryLocker(), 1, time.Second)

	var vErr *ValidationError
	err := guard.Admit(context.Background(), "alice", "alice", func(ctx context.Context) error { return nil })
	assert.ErrorAs(t, err, &vErr)
}

func TestAdmitDeniesBusyCaller(t *testing.T) {
	repos := repository.NewMemoryRepositoryManager()
	require.NoError(t, repos.Call().Create(context.Background(), &domain.CallRecord{
		ID:         "c1",
		CallerID:   "alice",
		ReceiverID: "carol",
		Status:     domain.CallStatusAnswered,
	}))

	guard := NewBusyGuard(repos, NewMemoryLocker(), 1, time.Second)
	err := guard.Admit(context.Background(), "alice", "bob", func(ctx context.Context) error {
		t.Fatal("create must not run for a busy caller")
		return nil
	})

	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, config.ErrCodeCallerBusy, busy.Code)
}

func TestAdmitDeniesBusyReceiver(t *testing.T) {
	repos := repository.NewMemoryRepositoryManager()
	require.NoError(t, repos.Call().Create(context.Background(), &domain.CallRecord{
		ID:         "c1",
		CallerID:   "bob",
		ReceiverID: "carol",
		Status:     domain.CallStatusRinging,
	}))

	guard := NewBusyGuard(repos, NewMemoryLocker(), 1, time.Second)
	err := guard.Admit(context.Background(), "alice", "bob", func(ctx context.Context) error {
		t.Fatal("create must not run for a busy receiver")
		return nil
	})

	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, config.ErrCodeReceiverBusy, busy.Code)
}

func TestAdmitHeldLockMapsToBusyCode(t *testing.T) {
	locker := NewMemoryLocker()
	release, err := locker.Acquire(context.Background(), "bob", time.Second)
	require.NoError(t, err)
	defer release()

	guard := NewBusyGuard(repository.NewMemoryRepositoryManager(), locker, 1, time.Second)
	err = guard.Admit(context.Background(), "alice", "bob", func(ctx context.Context) error { return nil })

	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, config.ErrCodeReceiverBusy, busy.Code)
}

// Concurrent initiations involving the same user must never both pass the
// admission check.
func TestAdmitSerializesConcurrentInitiations(t *testing.T) {
	repos := repository.NewMemoryRepositoryManager()
	locker := NewMemoryLocker()
	guard := NewBusyGuard(repos, locker, 1, time.Second)

	callers := []string{"bob", "carol", "dave", "erin"}
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for _, caller := range callers {
		wg.Add(1)
		go func(caller string) {
			defer wg.Done()
			err := guard.Admit(context.Background(), caller, "alice", func(ctx context.Context) error {
				return repos.Call().Create(ctx, &domain.CallRecord{
					CallerID:   caller,
					ReceiverID: "alice",
					Status:     domain.CallStatusInitiated,
				})
			})
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(caller)
	}
	wg.Wait()

	assert.Equal(t, 1, admitted, "exactly one concurrent initiation toward the same receiver may pass")

	n, err := repos.Call().CountActiveForUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
