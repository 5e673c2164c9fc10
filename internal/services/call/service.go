package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/consultly/call-service/internal/adapters/chat"
	"github.com/consultly/call-service/internal/config"
	"github.com/consultly/call-service/internal/domain"
	"github.com/consultly/call-service/internal/repository"
	"github.com/consultly/call-service/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallSessionService owns the call state machine. It is the only component
// that mutates call record status and timestamps; the reaper drives the
// time-based transitions through the same methods.
type CallSessionService struct {
	cfg         *config.CallServiceConfig
	repos       repository.RepositoryManager
	media       MediaRoomProvider
	notifier    Notifier
	rooms       RoomDirectory
	broadcaster Broadcaster
	guard       *BusyGuard

	now func() time.Time
}

// NewCallSessionService wires the call state machine with its collaborators.
// broadcaster may be nil when no real-time fan-out is configured.
func NewCallSessionService(
	cfg *config.CallServiceConfig,
	repos repository.RepositoryManager,
	media MediaRoomProvider,
	notifier Notifier,
	rooms RoomDirectory,
	broadcaster Broadcaster,
	locker UserLocker,
) *CallSessionService {
	return &CallSessionService{
		cfg:         cfg,
		repos:       repos,
		media:       media,
		notifier:    notifier,
		rooms:       rooms,
		broadcaster: broadcaster,
		guard:       NewBusyGuard(repos, locker, cfg.MaxConcurrentPerUser, cfg.AdmissionLockTTL),
		now:         time.Now,
	}
}

// Initiate starts a new call session from callerID toward the peer of the
// given chat room. Admission control runs under per-user locks; the media
// room is provisioned best-effort after the record is committed.
func (s *CallSessionService) Initiate(ctx context.Context, callerID string, req InitiateRequest) (*InitiateResponse, error) {
	if req.RoomID == "" {
		return nil, validationErrorf("room_id is required")
	}
	if !req.CallType.Valid() {
		return nil, validationErrorf("call_type must be audio or video")
	}

	receiverID, err := s.rooms.PeerID(ctx, req.RoomID, callerID)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrRoomNotFound):
			return nil, ErrRoomNotFound
		case errors.Is(err, chat.ErrNotMember):
			return nil, &PermissionError{Reason: "caller is not a member of the room"}
		}
		return nil, fmt.Errorf("failed to resolve call receiver: %w", err)
	}

	now := s.now()
	record := &domain.CallRecord{
		ID:               uuid.New().String(),
		RoomID:           req.RoomID,
		CallType:         req.CallType,
		CallerID:         callerID,
		ReceiverID:       receiverID,
		Status:           domain.CallStatusInitiated,
		RecordingEnabled: req.RecordingEnabled,
		CreatedAt:        now,
		InitiatedAt:      now,
	}
	record.MediaRoomName = s.media.RoomName(record.ID)

	err = s.guard.Admit(ctx, callerID, receiverID, func(ctx context.Context) error {
		return s.repos.WithTx(ctx, func(ctx context.Context, repos repository.RepositoryManager) error {
			if err := repos.Call().Create(ctx, record); err != nil {
				return err
			}
			return repos.CallEvent().Append(ctx, &domain.CallEvent{
				CallID:    record.ID,
				EventType: domain.CallEventInitiated,
				ActorID:   callerID,
				Metadata:  domain.JSONB{"call_type": string(req.CallType), "room_id": req.RoomID},
				CreatedAt: now,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	// The record is committed; everything below degrades instead of failing
	// the call, except token signing, which the caller cannot join without.
	createResult := s.media.CreateRoom(ctx, record.MediaRoomName)
	if createResult.Status != "" {
		logger.Base().Info("media room create",
			zap.String("call_id", record.ID),
			zap.String("room", record.MediaRoomName),
			zap.String("status", string(createResult.Status)))
	}

	callerToken, err := s.media.ParticipantToken(record.MediaRoomName, callerID, callerID, s.cfg.ParticipantTokenTTL)
	if err != nil {
		s.failCall(ctx, record.ID, err)
		return nil, fmt.Errorf("failed to issue caller token: %w", err)
	}
	receiverToken, err := s.media.ParticipantToken(record.MediaRoomName, receiverID, receiverID, s.cfg.ParticipantTokenTTL)
	if err != nil {
		s.failCall(ctx, record.ID, err)
		return nil, fmt.Errorf("failed to issue receiver token: %w", err)
	}

	s.notify(ctx, receiverID, NotifIncomingCall, "Incoming call",
		fmt.Sprintf("Incoming %s call", record.CallType),
		map[string]string{
			"call_id":         record.ID,
			"room_id":         record.RoomID,
			"call_type":       string(record.CallType),
			"caller_id":       callerID,
			"media_room_name": record.MediaRoomName,
			"token":           receiverToken,
			"media_ws_url":    s.media.WSURL(),
		})
	s.broadcast(ctx, record, domain.CallEventInitiated, callerID)

	return &InitiateResponse{
		Call:          record,
		MediaRoomName: record.MediaRoomName,
		Token:         callerToken,
		MediaWSURL:    s.media.WSURL(),
	}, nil
}

// Ring acknowledges delivery of the incoming-call notification on the
// receiver's device. Ringing an already-ringing call is a no-op.
func (s *CallSessionService) Ring(ctx context.Context, callID, actorID string) (*domain.CallRecord, error) {
	var alreadyRinging bool
	record, err := s.applyTransition(ctx, callID, func(c *domain.CallRecord) (*domain.CallEvent, error) {
		if c.ReceiverID != actorID {
			return nil, &PermissionError{Reason: "only the receiver may signal ringing"}
		}
		if c.Status.Terminal() {
			return nil, &ConflictError{Status: c.Status}
		}
		if c.Status == domain.CallStatusRinging {
			alreadyRinging = true
			return nil, nil
		}
		if c.Status != domain.CallStatusInitiated {
			return nil, validationErrorf("cannot ring a call in status %s", c.Status)
		}
		now := s.now()
		c.Status = domain.CallStatusRinging
		c.RingingAt = &now
		return &domain.CallEvent{EventType: domain.CallEventRinging, ActorID: actorID}, nil
	})
	if err != nil || alreadyRinging {
		return record, err
	}

	s.notify(ctx, record.CallerID, NotifCallRinging, "Ringing", "The other party's device is ringing",
		map[string]string{"call_id": record.ID})
	s.broadcast(ctx, record, domain.CallEventRinging, actorID)
	return record, nil
}

// Answer connects the call. Only the receiver may answer, and only before a
// terminal transition won the race. A fresh join token is issued.
func (s *CallSessionService) Answer(ctx context.Context, callID, actorID string) (*AnswerResponse, error) {
	record, err := s.applyTransition(ctx, callID, func(c *domain.CallRecord) (*domain.CallEvent, error) {
		if c.ReceiverID != actorID {
			return nil, &PermissionError{Reason: "only the receiver may answer"}
		}
		if c.Status.Terminal() {
			return nil, &ConflictError{Status: c.Status}
		}
		if !c.Status.Ringable() {
			return nil, validationErrorf("cannot answer a call in status %s", c.Status)
		}
		now := s.now()
		c.Status = domain.CallStatusAnswered
		c.AnsweredAt = &now
		return &domain.CallEvent{EventType: domain.CallEventAnswered, ActorID: actorID}, nil
	})
	if err != nil {
		return nil, err
	}

	token, err := s.media.ParticipantToken(record.MediaRoomName, actorID, actorID, s.cfg.ParticipantTokenTTL)
	if err != nil {
		// The transition is authoritative; the receiver can retry joining
		// with the token from the incoming-call notification.
		logger.Base().Warn("failed to issue fresh receiver token",
			zap.String("call_id", record.ID), zap.Error(err))
	}

	s.notify(ctx, record.CallerID, NotifCallAnswered, "Call answered", "The call was answered",
		map[string]string{"call_id": record.ID})
	s.broadcast(ctx, record, domain.CallEventAnswered, actorID)

	return &AnswerResponse{Call: record, Token: token, MediaWSURL: s.media.WSURL()}, nil
}

// Reject declines an incoming call. Receiver only, pre-answer only.
func (s *CallSessionService) Reject(ctx context.Context, callID, actorID string) (*domain.CallRecord, error) {
	record, err := s.applyTransition(ctx, callID, func(c *domain.CallRecord) (*domain.CallEvent, error) {
		if c.ReceiverID != actorID {
			return nil, &PermissionError{Reason: "only the receiver may reject"}
		}
		if c.Status.Terminal() {
			return nil, &ConflictError{Status: c.Status}
		}
		if !c.Status.Ringable() {
			return nil, validationErrorf("cannot reject a call in status %s", c.Status)
		}
		now := s.now()
		c.Status = domain.CallStatusRejected
		c.EndedAt = &now
		return &domain.CallEvent{EventType: domain.CallEventRejected, ActorID: actorID}, nil
	})
	if err != nil {
		return nil, err
	}

	s.releaseMediaRoom(ctx, record)
	s.notify(ctx, record.CallerID, NotifCallRejected, "Call declined", "The call was declined",
		map[string]string{"call_id": record.ID})
	s.broadcast(ctx, record, domain.CallEventRejected, actorID)
	return record, nil
}

// Cancel withdraws an outgoing call. Caller only, pre-answer only.
func (s *CallSessionService) Cancel(ctx context.Context, callID, actorID string) (*domain.CallRecord, error) {
	record, err := s.applyTransition(ctx, callID, func(c *domain.CallRecord) (*domain.CallEvent, error) {
		if c.CallerID != actorID {
			return nil, &PermissionError{Reason: "only the caller may cancel"}
		}
		if c.Status.Terminal() {
			return nil, &ConflictError{Status: c.Status}
		}
		if !c.Status.Ringable() {
			return nil, validationErrorf("cannot cancel a call in status %s", c.Status)
		}
		now := s.now()
		c.Status = domain.CallStatusCancelled
		c.EndedAt = &now
		return &domain.CallEvent{EventType: domain.CallEventCancelled, ActorID: actorID}, nil
	})
	if err != nil {
		return nil, err
	}

	s.releaseMediaRoom(ctx, record)
	s.notify(ctx, record.ReceiverID, NotifCallCancelled, "Call cancelled", "The caller hung up",
		map[string]string{"call_id": record.ID})
	s.broadcast(ctx, record, domain.CallEventCancelled, actorID)
	return record, nil
}

// End hangs up an answered call. Either party may end.
func (s *CallSessionService) End(ctx context.Context, callID, actorID string) (*domain.CallRecord, error) {
	record, err := s.applyTransition(ctx, callID, func(c *domain.CallRecord) (*domain.CallEvent, error) {
		if !c.Participant(actorID) {
			return nil, &PermissionError{Reason: "only a participant may end the call"}
		}
		if c.Status.Terminal() {
			return nil, &ConflictError{Status: c.Status}
		}
		if c.Status != domain.CallStatusAnswered {
			return nil, validationErrorf("cannot end a call in status %s", c.Status)
		}
		now := s.now()
		c.Status = domain.CallStatusEnded
		c.EndedAt = &now
		return &domain.CallEvent{
			EventType: domain.CallEventEnded,
			ActorID:   actorID,
			Metadata: domain.JSONB{
				"duration_seconds": c.DurationSeconds(),
				"duration":         domain.FormatDuration(c.DurationSeconds()),
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.releaseMediaRoom(ctx, record)
	s.notify(ctx, record.PeerOf(actorID), NotifCallEnded, "Call ended",
		fmt.Sprintf("Call duration %s", domain.FormatDuration(record.DurationSeconds())),
		map[string]string{"call_id": record.ID})
	s.broadcast(ctx, record, domain.CallEventEnded, actorID)
	return record, nil
}

// TimeoutUnanswered forces an initiated/ringing call past the answer timeout
// into missed. Reaper path; a call that moved on is a conflict no-op.
func (s *CallSessionService) TimeoutUnanswered(ctx context.Context, callID string) (*domain.CallRecord, error) {
	record, err := s.applyTransition(ctx, callID, func(c *domain.CallRecord) (*domain.CallEvent, error) {
		if c.Status.Terminal() {
			return nil, &ConflictError{Status: c.Status}
		}
		if !c.Status.Ringable() {
			return nil, &ConflictError{Status: c.Status}
		}
		now := s.now()
		c.Status = domain.CallStatusMissed
		c.EndedAt = &now
		return &domain.CallEvent{
			EventType: domain.CallEventMissed,
			ActorID:   domain.SystemActorID,
			Metadata:  domain.JSONB{"reason": "timeout"},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.releaseMediaRoom(ctx, record)
	s.notify(ctx, record.ReceiverID, NotifCallMissed, "Missed call",
		fmt.Sprintf("You missed a %s call", record.CallType),
		map[string]string{"call_id": record.ID, "caller_id": record.CallerID})
	s.broadcast(ctx, record, domain.CallEventMissed, domain.SystemActorID)
	return record, nil
}

// TimeoutAnswered force-ends an answered call past the maximum duration.
func (s *CallSessionService) TimeoutAnswered(ctx context.Context, callID string) (*domain.CallRecord, error) {
	record, err := s.applyTransition(ctx, callID, func(c *domain.CallRecord) (*domain.CallEvent, error) {
		if c.Status != domain.CallStatusAnswered {
			return nil, &ConflictError{Status: c.Status}
		}
		now := s.now()
		c.Status = domain.CallStatusEnded
		c.EndedAt = &now
		return &domain.CallEvent{
			EventType: domain.CallEventEnded,
			ActorID:   domain.SystemActorID,
			Metadata: domain.JSONB{
				"reason":           "max_duration_exceeded",
				"duration_seconds": c.DurationSeconds(),
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.releaseMediaRoom(ctx, record)
	for _, userID := range []string{record.CallerID, record.ReceiverID} {
		s.notify(ctx, userID, NotifCallEnded, "Call ended", "Maximum call duration reached",
			map[string]string{"call_id": record.ID, "reason": "max_duration_exceeded"})
	}
	s.broadcast(ctx, record, domain.CallEventEnded, domain.SystemActorID)
	return record, nil
}

// SetQuality records a participant's 0-5 quality rating for an answered or
// finished call. Not a status transition.
func (s *CallSessionService) SetQuality(ctx context.Context, callID, actorID string, score float64) (*domain.CallRecord, error) {
	if score < 0 || score > 5 {
		return nil, validationErrorf("quality score must be between 0 and 5")
	}

	var out *domain.CallRecord
	err := s.repos.WithTx(ctx, func(ctx context.Context, repos repository.RepositoryManager) error {
		c, err := repos.Call().GetByIDForUpdate(ctx, callID)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrCallNotFound
		}
		if !c.Participant(actorID) {
			return &PermissionError{Reason: "only a participant may rate the call"}
		}
		if c.AnsweredAt == nil {
			return validationErrorf("cannot rate a call that was never answered")
		}
		c.QualityScore = &score
		if err := repos.Call().Update(ctx, c); err != nil {
			return err
		}
		out = c
		return repos.CallEvent().Append(ctx, &domain.CallEvent{
			CallID:    c.ID,
			EventType: domain.CallEventQualityChanged,
			ActorID:   actorID,
			Metadata:  domain.JSONB{"score": score},
			CreatedAt: s.now(),
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkReconnecting records a client-reported media interruption on an
// answered call. Audit trail only.
func (s *CallSessionService) MarkReconnecting(ctx context.Context, callID, actorID string) error {
	return s.repos.WithTx(ctx, func(ctx context.Context, repos repository.RepositoryManager) error {
		c, err := repos.Call().GetByID(ctx, callID)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrCallNotFound
		}
		if !c.Participant(actorID) {
			return &PermissionError{Reason: "only a participant may report reconnecting"}
		}
		if c.Status != domain.CallStatusAnswered {
			return validationErrorf("cannot report reconnecting in status %s", c.Status)
		}
		return repos.CallEvent().Append(ctx, &domain.CallEvent{
			CallID:    c.ID,
			EventType: domain.CallEventReconnecting,
			ActorID:   actorID,
			CreatedAt: s.now(),
		})
	})
}

// Get returns a call visible to one of its participants.
func (s *CallSessionService) Get(ctx context.Context, callID, actorID string) (*domain.CallRecord, error) {
	c, err := s.repos.Call().GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCallNotFound
	}
	if !c.Participant(actorID) {
		return nil, &PermissionError{Reason: "not a participant of this call"}
	}
	return c, nil
}

// Events returns the audit trail of a call, oldest first, participants only.
func (s *CallSessionService) Events(ctx context.Context, callID, actorID string) ([]*domain.CallEvent, error) {
	if _, err := s.Get(ctx, callID, actorID); err != nil {
		return nil, err
	}
	return s.repos.CallEvent().ListByCallID(ctx, callID)
}

// ListActive lists the user's non-terminal calls.
func (s *CallSessionService) ListActive(ctx context.Context, userID string) ([]*domain.CallRecord, error) {
	return s.repos.Call().FindActiveForUser(ctx, userID)
}

// ListHistory lists the user's finished calls. Cancelled calls are excluded
// from history surfaces.
func (s *CallSessionService) ListHistory(ctx context.Context, userID string, filter repository.HistoryFilter) (*HistoryPage, error) {
	if filter.Status != "" {
		var ok bool
		for _, st := range domain.HistoryStatuses {
			if st == filter.Status {
				ok = true
			}
		}
		if !ok {
			return nil, validationErrorf("status filter must be one of ended, missed, rejected")
		}
	}
	if filter.CallType != "" && !filter.CallType.Valid() {
		return nil, validationErrorf("call_type filter must be audio or video")
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	calls, total, err := s.repos.Call().FindHistoryForUser(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{Calls: calls, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

// applyTransition serializes a read-mutate-write on one call record with its
// audit event in a single transaction under a row lock. mutate returning
// (nil, nil) commits nothing and returns the unchanged record.
func (s *CallSessionService) applyTransition(ctx context.Context, callID string, mutate func(c *domain.CallRecord) (*domain.CallEvent, error)) (*domain.CallRecord, error) {
	var out *domain.CallRecord
	err := s.repos.WithTx(ctx, func(ctx context.Context, repos repository.RepositoryManager) error {
		c, err := repos.Call().GetByIDForUpdate(ctx, callID)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrCallNotFound
		}

		event, err := mutate(c)
		if err != nil {
			return err
		}
		out = c
		if event == nil {
			return nil
		}

		if err := repos.Call().Update(ctx, c); err != nil {
			return err
		}
		event.CallID = c.ID
		if event.CreatedAt.IsZero() {
			event.CreatedAt = s.now()
		}
		return repos.CallEvent().Append(ctx, event)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// failCall marks a just-initiated call as failed when join credentials cannot
// be produced. Best-effort; the primary error is reported to the caller.
func (s *CallSessionService) failCall(ctx context.Context, callID string, cause error) {
	record, err := s.applyTransition(ctx, callID, func(c *domain.CallRecord) (*domain.CallEvent, error) {
		if c.Status.Terminal() {
			return nil, &ConflictError{Status: c.Status}
		}
		now := s.now()
		c.Status = domain.CallStatusFailed
		c.EndedAt = &now
		return &domain.CallEvent{
			EventType: domain.CallEventFailed,
			ActorID:   domain.SystemActorID,
			Metadata:  domain.JSONB{"reason": cause.Error()},
		}, nil
	})
	if err != nil {
		logger.Base().Error("failed to mark call as failed",
			zap.String("call_id", callID), zap.Error(err))
		return
	}
	s.releaseMediaRoom(ctx, record)
}

// releaseMediaRoom tears down the external media room after a terminal
// transition. The transition commit is authoritative; teardown failures are
// logged and left to the reconciliation pass.
func (s *CallSessionService) releaseMediaRoom(ctx context.Context, c *domain.CallRecord) {
	if c.MediaRoomReleased {
		return
	}
	if err := s.media.DeleteRoom(ctx, c.MediaRoomName); err != nil {
		logger.Base().Warn("media room teardown failed, room may be orphaned",
			zap.String("call_id", c.ID),
			zap.String("room", c.MediaRoomName),
			zap.Error(err))
		return
	}
	c.MediaRoomReleased = true
	if err := s.repos.Call().Update(ctx, c); err != nil {
		logger.Base().Warn("failed to record media room release",
			zap.String("call_id", c.ID), zap.Error(err))
	}
}

// MarkRoomReleased is used by the reconciliation pass after a successful
// retry of a previously failed teardown.
func (s *CallSessionService) MarkRoomReleased(ctx context.Context, c *domain.CallRecord) error {
	c.MediaRoomReleased = true
	return s.repos.Call().Update(ctx, c)
}

func (s *CallSessionService) notify(ctx context.Context, userID, notifType, title, body string, data map[string]string) {
	if err := s.notifier.Send(ctx, userID, notifType, title, body, data); err != nil {
		logger.Base().Warn("notification failed",
			zap.String("user_id", userID),
			zap.String("type", notifType),
			zap.Error(err))
	}
}

func (s *CallSessionService) broadcast(ctx context.Context, c *domain.CallRecord, eventType domain.CallEventType, actorID string) {
	if s.broadcaster == nil {
		return
	}
	channel := fmt.Sprintf("call_events:%s", c.RoomID)
	err := s.broadcaster.Publish(ctx, channel, BroadcastEvent{
		CallID:    c.ID,
		RoomID:    c.RoomID,
		EventType: eventType,
		Status:    c.Status,
		ActorID:   actorID,
		Timestamp: s.now(),
	})
	if err != nil {
		logger.Base().Warn("call event broadcast failed",
			zap.String("call_id", c.ID), zap.Error(err))
	}
}
