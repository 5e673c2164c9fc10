package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/consultly/call-service/internal/adapters/chat"
	"github.com/consultly/call-service/internal/adapters/livekit"
	"github.com/consultly/call-service/internal/config"
	"github.com/consultly/call-service/internal/domain"
	"github.com/consultly/call-service/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMedia struct {
	mu        sync.Mutex
	createErr error
	tokenErr  error
	deleteErr error
	deleted   map[string]int
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{deleted: make(map[string]int)}
}

func (f *fakeMedia) RoomName(callID string) string { return "call-" + callID }
func (f *fakeMedia) WSURL() string                 { return "wss://media.test" }

func (f *fakeMedia) CreateRoom(ctx context.Context, name string) livekit.RoomCreateResult {
	if f.createErr != nil {
		return livekit.RoomCreateResult{Status: livekit.RoomDeferred, Err: f.createErr}
	}
	return livekit.RoomCreateResult{Status: livekit.RoomProvisioned}
}

func (f *fakeMedia) ParticipantToken(room, identity, name string, ttl time.Duration) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return "token-" + identity, nil
}

func (f *fakeMedia) DeleteRoom(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted[name]++
	return nil
}

func (f *fakeMedia) deleteCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted[name]
}

func (f *fakeMedia) ListRooms(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeMedia) ListParticipants(ctx context.Context, room string) ([]livekit.Participant, error) {
	return nil, nil
}

type sentNotification struct {
	UserID string
	Type   string
	Data   map[string]string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (f *fakeNotifier) Send(ctx context.Context, userID, notifType, title, body string, data map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{UserID: userID, Type: notifType, Data: data})
	return nil
}

func (f *fakeNotifier) sentTo(userID, notifType string) []sentNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentNotification
	for _, n := range f.sent {
		if n.UserID == userID && n.Type == notifType {
			out = append(out, n)
		}
	}
	return out
}

type fakeRooms struct {
	members map[string][]string
}

func (f *fakeRooms) PeerID(ctx context.Context, roomID, userID string) (string, error) {
	members, ok := f.members[roomID]
	if !ok {
		return "", chat.ErrRoomNotFound
	}
	for i, m := range members {
		if m == userID {
			return members[1-i], nil
		}
	}
	return "", chat.ErrNotMember
}

type testEnv struct {
	svc      *CallSessionService
	repos    *repository.MemoryRepositoryManager
	media    *fakeMedia
	notifier *fakeNotifier
	clock    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.CallServiceConfig{
		MaxConcurrentPerUser: 1,
		AdmissionLockTTL:     time.Second,
		ParticipantTokenTTL:  time.Hour,
	}
	repos := repository.NewMemoryRepositoryManager()
	media := newFakeMedia()
	notifier := &fakeNotifier{}
	rooms := &fakeRooms{members: map[string][]string{
		"room-1": {"alice", "bob"},
		"room-2": {"alice", "carol"},
		"room-3": {"dave", "erin"},
	}}
	svc := NewCallSessionService(cfg, repos, media, notifier, rooms, nil, NewMemoryLocker())

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	return &testEnv{svc: svc, repos: repos, media: media, notifier: notifier, clock: &now}
}

func (e *testEnv) initiate(t *testing.T, roomID string) *InitiateResponse {
	return e.initiateAs(t, "alice", roomID)
}

func (e *testEnv) initiateAs(t *testing.T, callerID, roomID string) *InitiateResponse {
	t.Helper()
	resp, err := e.svc.Initiate(context.Background(), callerID, InitiateRequest{
		RoomID:   roomID,
		CallType: domain.CallTypeVideo,
	})
	require.NoError(t, err)
	return resp
}

func TestInitiateCreatesCallAndNotifiesReceiver(t *testing.T) {
	env := newTestEnv(t)

	resp := env.initiate(t, "room-1")

	assert.Equal(t, domain.CallStatusInitiated, resp.Call.Status)
	assert.Equal(t, "alice", resp.Call.CallerID)
	assert.Equal(t, "bob", resp.Call.ReceiverID)
	assert.Equal(t, "call-"+resp.Call.ID, resp.MediaRoomName)
	assert.Equal(t, "token-alice", resp.Token)
	assert.Equal(t, "wss://media.test", resp.MediaWSURL)

	events := env.repos.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.CallEventInitiated, events[0].EventType)
	assert.Equal(t, "alice", events[0].ActorID)

	incoming := env.notifier.sentTo("bob", NotifIncomingCall)
	require.Len(t, incoming, 1)
	assert.Equal(t, "token-bob", incoming[0].Data["token"])
	assert.Equal(t, resp.Call.ID, incoming[0].Data["call_id"])
}

func TestInitiateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var vErr *ValidationError
	_, err := env.svc.Initiate(ctx, "alice", InitiateRequest{CallType: domain.CallTypeAudio})
	assert.ErrorAs(t, err, &vErr)

	_, err = env.svc.Initiate(ctx, "alice", InitiateRequest{RoomID: "room-1", CallType: "screen"})
	assert.ErrorAs(t, err, &vErr)

	_, err = env.svc.Initiate(ctx, "alice", InitiateRequest{RoomID: "no-such-room", CallType: domain.CallTypeAudio})
	assert.ErrorIs(t, err, ErrRoomNotFound)

	var pErr *PermissionError
	_, err = env.svc.Initiate(ctx, "mallory", InitiateRequest{RoomID: "room-1", CallType: domain.CallTypeAudio})
	assert.ErrorAs(t, err, &pErr)
}

func TestInitiateRejectedWhenCallerBusy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.initiate(t, "room-1")
	_, err := env.svc.Answer(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)

	// alice is on an answered call, so a second outgoing call is denied
	_, err = env.svc.Initiate(ctx, "alice", InitiateRequest{RoomID: "room-2", CallType: domain.CallTypeAudio})
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, config.ErrCodeCallerBusy, busy.Code)
}

func TestInitiateRejectedWhenReceiverBusy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// bob is mid-call with alice; carol now calls alice... she is busy too,
	// so call carol -> alice denies with RECEIVER_BUSY seen from carol's side
	resp := env.initiate(t, "room-1")
	_, err := env.svc.Answer(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)

	_, err = env.svc.Initiate(ctx, "carol", InitiateRequest{RoomID: "room-2", CallType: domain.CallTypeAudio})
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, config.ErrCodeReceiverBusy, busy.Code)
}

func TestInitiateTokenFailureMarksCallFailed(t *testing.T) {
	env := newTestEnv(t)
	env.media.tokenErr = errors.New("signing key rejected")

	_, err := env.svc.Initiate(context.Background(), "alice", InitiateRequest{
		RoomID:   "room-1",
		CallType: domain.CallTypeAudio,
	})
	require.Error(t, err)

	active, err := env.svc.ListActive(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, active)

	events := env.repos.Events()
	require.Len(t, events, 2)
	assert.Equal(t, domain.CallEventFailed, events[1].EventType)
	assert.Equal(t, domain.SystemActorID, events[1].ActorID)
}

func TestRingTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initiate(t, "room-1")

	var pErr *PermissionError
	_, err := env.svc.Ring(ctx, resp.Call.ID, "alice")
	assert.ErrorAs(t, err, &pErr)

	record, err := env.svc.Ring(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, record.Status)
	require.NotNil(t, record.RingingAt)

	// ringing twice is a no-op, not an error, and appends no second event
	_, err = env.svc.Ring(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)

	var ringing int
	for _, e := range env.repos.Events() {
		if e.EventType == domain.CallEventRinging {
			ringing++
		}
	}
	assert.Equal(t, 1, ringing)
}

func TestAnswerOnlyByReceiver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initiate(t, "room-1")

	var pErr *PermissionError
	_, err := env.svc.Answer(ctx, resp.Call.ID, "alice")
	assert.ErrorAs(t, err, &pErr)

	ans, err := env.svc.Answer(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAnswered, ans.Call.Status)
	require.NotNil(t, ans.Call.AnsweredAt)
	assert.Equal(t, "token-bob", ans.Token)

	caller := env.notifier.sentTo("alice", NotifCallAnswered)
	assert.Len(t, caller, 1)
}

func TestRejectReleasesRoomOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initiate(t, "room-1")

	record, err := env.svc.Reject(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, record.Status)
	require.NotNil(t, record.EndedAt)

	// terminal re-invoke conflicts and must not touch the room again
	var conflict *ConflictError
	_, err = env.svc.Reject(ctx, resp.Call.ID, "bob")
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, domain.CallStatusRejected, conflict.Status)

	assert.Equal(t, 1, env.media.deleteCount(resp.MediaRoomName))
}

func TestCancelOnlyByCallerBeforeAnswer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initiate(t, "room-1")

	var pErr *PermissionError
	_, err := env.svc.Cancel(ctx, resp.Call.ID, "bob")
	assert.ErrorAs(t, err, &pErr)

	record, err := env.svc.Cancel(ctx, resp.Call.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCancelled, record.Status)

	cancelled := env.notifier.sentTo("bob", NotifCallCancelled)
	assert.Len(t, cancelled, 1)
}

func TestCancelAfterAnswerIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initiate(t, "room-1")

	_, err := env.svc.Answer(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)

	var vErr *ValidationError
	_, err = env.svc.Cancel(ctx, resp.Call.ID, "alice")
	assert.ErrorAs(t, err, &vErr)
}

func TestEndComputesDuration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initiate(t, "room-1")

	_, err := env.svc.Answer(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)

	*env.clock = env.clock.Add(125 * time.Second)

	record, err := env.svc.End(ctx, resp.Call.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, record.Status)
	assert.Equal(t, int64(125), record.DurationSeconds())

	events := env.repos.Events()
	last := events[len(events)-1]
	assert.Equal(t, domain.CallEventEnded, last.EventType)
	assert.Equal(t, "2m 5s", last.Metadata["duration"])

	var conflict *ConflictError
	_, err = env.svc.End(ctx, resp.Call.ID, "bob")
	assert.ErrorAs(t, err, &conflict)

	assert.Equal(t, 1, env.media.deleteCount(resp.MediaRoomName))
}

func TestEndRequiresParticipant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initiate(t, "room-1")
	_, err := env.svc.Answer(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)

	var pErr *PermissionError
	_, err = env.svc.End(ctx, resp.Call.ID, "mallory")
	assert.ErrorAs(t, err, &pErr)
}

func TestEndBeforeAnswerIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	resp := env.initiate(t, "room-1")

	var vErr *ValidationError
	_, err := env.svc.End(context.Background(), resp.Call.ID, "alice")
	assert.ErrorAs(t, err, &vErr)
}

func TestTimeoutUnanswered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initiate(t, "room-1")

	record, err := env.svc.TimeoutUnanswered(ctx, resp.Call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, record.Status)

	events := env.repos.Events()
	last := events[len(events)-1]
	assert.Equal(t, domain.CallEventMissed, last.EventType)
	assert.Equal(t, domain.SystemActorID, last.ActorID)
	assert.Equal(t, "timeout", last.Metadata["reason"])

	missed := env.notifier.sentTo("bob", NotifCallMissed)
	assert.Len(t, missed, 1)

	var conflict *ConflictError
	_, err = env.svc.TimeoutUnanswered(ctx, resp.Call.ID)
	assert.ErrorAs(t, err, &conflict)
}

func TestTimeoutAnswered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initiate(t, "room-1")
	_, err := env.svc.Answer(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)

	record, err := env.svc.TimeoutAnswered(ctx, resp.Call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, record.Status)

	events := env.repos.Events()
	last := events[len(events)-1]
	assert.Equal(t, "max_duration_exceeded", last.Metadata["reason"])

	// both parties learn the call was cut off
	assert.Len(t, env.notifier.sentTo("alice", NotifCallEnded), 1)
	assert.Len(t, env.notifier.sentTo("bob", NotifCallEnded), 1)
}

func TestExactlyOneEventPerTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initiate(t, "room-1")

	_, err := env.svc.Ring(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)
	_, err = env.svc.Answer(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)
	_, err = env.svc.End(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)

	types := make([]domain.CallEventType, 0)
	for _, e := range env.repos.Events() {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []domain.CallEventType{
		domain.CallEventInitiated,
		domain.CallEventRinging,
		domain.CallEventAnswered,
		domain.CallEventEnded,
	}, types)
}

func TestSetQuality(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initiate(t, "room-1")

	var vErr *ValidationError
	_, err := env.svc.SetQuality(ctx, resp.Call.ID, "alice", 4.5)
	assert.ErrorAs(t, err, &vErr, "rating an unanswered call")

	_, err = env.svc.Answer(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)

	_, err = env.svc.SetQuality(ctx, resp.Call.ID, "alice", 5.5)
	assert.ErrorAs(t, err, &vErr)

	record, err := env.svc.SetQuality(ctx, resp.Call.ID, "alice", 4.5)
	require.NoError(t, err)
	require.NotNil(t, record.QualityScore)
	assert.Equal(t, 4.5, *record.QualityScore)

	var pErr *PermissionError
	_, err = env.svc.SetQuality(ctx, resp.Call.ID, "mallory", 3)
	assert.ErrorAs(t, err, &pErr)
}

func TestMarkReconnecting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initiate(t, "room-1")

	var vErr *ValidationError
	err := env.svc.MarkReconnecting(ctx, resp.Call.ID, "alice")
	assert.ErrorAs(t, err, &vErr)

	_, err = env.svc.Answer(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)

	require.NoError(t, env.svc.MarkReconnecting(ctx, resp.Call.ID, "alice"))

	events := env.repos.Events()
	last := events[len(events)-1]
	assert.Equal(t, domain.CallEventReconnecting, last.EventType)
}

func TestGetVisibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initiate(t, "room-1")

	_, err := env.svc.Get(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)

	var pErr *PermissionError
	_, err = env.svc.Get(ctx, resp.Call.ID, "mallory")
	assert.ErrorAs(t, err, &pErr)

	_, err = env.svc.Get(ctx, "no-such-call", "alice")
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestHistoryExcludesCancelled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.initiate(t, "room-1")
	_, err := env.svc.Cancel(ctx, first.Call.ID, "alice")
	require.NoError(t, err)

	second := env.initiate(t, "room-1")
	_, err = env.svc.Answer(ctx, second.Call.ID, "bob")
	require.NoError(t, err)
	_, err = env.svc.End(ctx, second.Call.ID, "bob")
	require.NoError(t, err)

	page, err := env.svc.ListHistory(ctx, "alice", repository.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, page.Calls, 1)
	assert.Equal(t, second.Call.ID, page.Calls[0].ID)
	assert.Equal(t, int64(1), page.Total)

	var vErr *ValidationError
	_, err = env.svc.ListHistory(ctx, "alice", repository.HistoryFilter{Status: domain.CallStatusCancelled})
	assert.ErrorAs(t, err, &vErr, "cancelled is not a history status")
}

func TestHistoryFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.initiate(t, "room-1")
	_, err := env.svc.Reject(ctx, resp.Call.ID, "bob")
	require.NoError(t, err)

	page, err := env.svc.ListHistory(ctx, "alice", repository.HistoryFilter{Status: domain.CallStatusRejected})
	require.NoError(t, err)
	assert.Len(t, page.Calls, 1)

	page, err = env.svc.ListHistory(ctx, "alice", repository.HistoryFilter{Status: domain.CallStatusMissed})
	require.NoError(t, err)
	assert.Empty(t, page.Calls)

	page, err = env.svc.ListHistory(ctx, "alice", repository.HistoryFilter{CallType: domain.CallTypeAudio})
	require.NoError(t, err)
	assert.Empty(t, page.Calls)

	var vErr *ValidationError
	_, err = env.svc.ListHistory(ctx, "alice", repository.HistoryFilter{CallType: "screen"})
	assert.ErrorAs(t, err, &vErr)
}

func TestListActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initiate(t, "room-1")

	active, err := env.svc.ListActive(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, resp.Call.ID, active[0].ID)

	_, err = env.svc.Cancel(ctx, resp.Call.ID, "alice")
	require.NoError(t, err)

	active, err = env.svc.ListActive(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, active)
}
