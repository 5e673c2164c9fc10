package call

import (
	"context"
	"errors"
	"time"

	"github.com/consultly/call-service/internal/repository"
	"github.com/consultly/call-service/pkg/logger"
	"go.uber.org/zap"
)

const sweepBatchSize = 200

// TimeoutReaper forces terminal transitions on abandoned and over-long calls.
// It shares no in-memory state with the session service; the call record
// store is the only channel between them, so sweeps are safe to rerun and a
// crash mid-sweep cannot double-process a record.
type TimeoutReaper struct {
	service  *CallSessionService
	repos    repository.RepositoryManager
	interval time.Duration

	answerTimeout time.Duration
	maxDuration   time.Duration
}

// NewTimeoutReaper creates the sweeper with one authoritative cadence.
func NewTimeoutReaper(service *CallSessionService, repos repository.RepositoryManager, interval, answerTimeout, maxDuration time.Duration) *TimeoutReaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &TimeoutReaper{
		service:       service,
		repos:         repos,
		interval:      interval,
		answerTimeout: answerTimeout,
		maxDuration:   maxDuration,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *TimeoutReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Base().Info("timeout reaper started",
		zap.Duration("interval", r.interval),
		zap.Duration("answer_timeout", r.answerTimeout),
		zap.Duration("max_duration", r.maxDuration))

	for {
		select {
		case <-ctx.Done():
			logger.Base().Info("timeout reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs all three passes once. Each record is processed independently;
// a conflict means another actor already moved the call on.
func (r *TimeoutReaper) Sweep(ctx context.Context) {
	r.sweepUnanswered(ctx)
	r.sweepOverlong(ctx)
	r.reconcileRooms(ctx)
}

func (r *TimeoutReaper) sweepUnanswered(ctx context.Context) {
	cutoff := time.Now().Add(-r.answerTimeout)
	ids, err := r.repos.Call().FindUnansweredBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		logger.Base().Error("unanswered sweep query failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		if _, err := r.service.TimeoutUnanswered(ctx, id); err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				continue
			}
			logger.Base().Error("failed to mark call missed",
				zap.String("call_id", id), zap.Error(err))
		}
	}
	if len(ids) > 0 {
		logger.Base().Info("unanswered sweep completed", zap.Int("candidates", len(ids)))
	}
}

func (r *TimeoutReaper) sweepOverlong(ctx context.Context) {
	cutoff := time.Now().Add(-r.maxDuration)
	ids, err := r.repos.Call().FindAnsweredBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		logger.Base().Error("overlong sweep query failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		if _, err := r.service.TimeoutAnswered(ctx, id); err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				continue
			}
			logger.Base().Error("failed to force-end call",
				zap.String("call_id", id), zap.Error(err))
		}
	}
	if len(ids) > 0 {
		logger.Base().Info("overlong sweep completed", zap.Int("candidates", len(ids)))
	}
}

// reconcileRooms retries teardown of media rooms whose delete failed at
// transition time, so the store and the external service converge.
func (r *TimeoutReaper) reconcileRooms(ctx context.Context) {
	calls, err := r.repos.Call().FindUnreleasedTerminal(ctx, sweepBatchSize)
	if err != nil {
		logger.Base().Error("room reconciliation query failed", zap.Error(err))
		return
	}

	for _, c := range calls {
		if err := r.service.media.DeleteRoom(ctx, c.MediaRoomName); err != nil {
			logger.Base().Warn("room reconciliation delete failed",
				zap.String("call_id", c.ID),
				zap.String("room", c.MediaRoomName),
				zap.Error(err))
			continue
		}
		if err := r.service.MarkRoomReleased(ctx, c); err != nil {
			logger.Base().Warn("failed to record reconciled room release",
				zap.String("call_id", c.ID), zap.Error(err))
		}
	}
	if len(calls) > 0 {
		logger.Base().Info("room reconciliation completed", zap.Int("candidates", len(calls)))
	}
}
