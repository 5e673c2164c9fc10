package call

import (
	"context"
	"time"

	"github.com/consultly/call-service/internal/adapters/livekit"
	"github.com/consultly/call-service/internal/domain"
)

// MediaRoomProvider is the consumer-side contract for the external real-time
// media service: room lifecycle plus access-token issuance.
type MediaRoomProvider interface {
	RoomName(callID string) string
	WSURL() string
	CreateRoom(ctx context.Context, name string) livekit.RoomCreateResult
	ParticipantToken(room, identity, name string, ttl time.Duration) (string, error)
	DeleteRoom(ctx context.Context, name string) error
	ListRooms(ctx context.Context) ([]string, error)
	ListParticipants(ctx context.Context, room string) ([]livekit.Participant, error)
}

// Notifier dispatches push notifications. Delivery semantics belong to the
// notification collaborator.
type Notifier interface {
	Send(ctx context.Context, userID, notifType, title, body string, data map[string]string) error
}

// RoomDirectory resolves the peer of a two-party chat room and enforces
// membership. Consumed from the chat subsystem.
type RoomDirectory interface {
	PeerID(ctx context.Context, roomID, userID string) (string, error)
}

// Broadcaster publishes call lifecycle events for real-time fan-out, keyed by
// the chat room id. Best-effort.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Notification types sent to participants.
const (
	NotifIncomingCall  = "call.incoming"
	NotifCallRinging   = "call.ringing"
	NotifCallAnswered  = "call.answered"
	NotifCallRejected  = "call.rejected"
	NotifCallCancelled = "call.cancelled"
	NotifCallMissed    = "call.missed"
	NotifCallEnded     = "call.ended"
)

// InitiateRequest starts a new call session toward the peer of a chat room.
type InitiateRequest struct {
	RoomID           string          `json:"room_id"`
	CallType         domain.CallType `json:"call_type"`
	RecordingEnabled bool            `json:"recording_enabled,omitempty"`
}

// InitiateResponse carries everything the caller's client needs to join.
type InitiateResponse struct {
	Call          *domain.CallRecord `json:"call"`
	MediaRoomName string             `json:"media_room_name"`
	Token         string             `json:"token"`
	MediaWSURL    string             `json:"media_ws_url"`
}

// AnswerResponse carries the receiver's join credential.
type AnswerResponse struct {
	Call       *domain.CallRecord `json:"call"`
	Token      string             `json:"token"`
	MediaWSURL string             `json:"media_ws_url"`
}

// HistoryPage is a paginated slice of finished calls.
type HistoryPage struct {
	Calls    []*domain.CallRecord `json:"calls"`
	Total    int64                `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

// BroadcastEvent is the payload published on the room's call-events channel.
type BroadcastEvent struct {
	CallID    string               `json:"call_id"`
	RoomID    string               `json:"room_id"`
	EventType domain.CallEventType `json:"event_type"`
	Status    domain.CallStatus    `json:"status"`
	ActorID   string               `json:"actor_id"`
	Timestamp time.Time            `json:"timestamp"`
}
