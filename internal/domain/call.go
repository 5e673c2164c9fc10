package domain

import (
	"fmt"
	"time"
)

// CallType represents the media kind of a call session
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether the call type is a known value.
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus represents the lifecycle state of a call session
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAnswered  CallStatus = "answered"
	CallStatusEnded     CallStatus = "ended"
	CallStatusMissed    CallStatus = "missed"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusCancelled CallStatus = "cancelled"
	CallStatusFailed    CallStatus = "failed"
)

// ActiveStatuses are the non-terminal statuses that make a user "busy".
var ActiveStatuses = []CallStatus{CallStatusInitiated, CallStatusRinging, CallStatusAnswered}

// HistoryStatuses are the statuses surfaced on call-history listings.
// Cancelled calls are intentionally excluded from history.
var HistoryStatuses = []CallStatus{CallStatusEnded, CallStatusMissed, CallStatusRejected}

// Terminal reports whether no further transition is legal from this status.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusEnded, CallStatusMissed, CallStatusRejected, CallStatusCancelled, CallStatusFailed:
		return true
	}
	return false
}

// Ringable reports whether the call can still be answered, rejected or cancelled.
func (s CallStatus) Ringable() bool {
	return s == CallStatusInitiated || s == CallStatusRinging
}

// CallEventType mirrors the status transitions plus diagnostic events.
type CallEventType string

const (
	CallEventInitiated      CallEventType = "initiated"
	CallEventRinging        CallEventType = "ringing"
	CallEventAnswered       CallEventType = "answered"
	CallEventRejected       CallEventType = "rejected"
	CallEventCancelled      CallEventType = "cancelled"
	CallEventMissed         CallEventType = "missed"
	CallEventEnded          CallEventType = "ended"
	CallEventFailed         CallEventType = "failed"
	CallEventQualityChanged CallEventType = "quality_changed"
	CallEventReconnecting   CallEventType = "reconnecting"
)

// CallRecord represents one attempt to connect two users via a media room.
// Status and timestamps are mutated only by the call session service; every
// timestamp is set exactly once.
type CallRecord struct {
	ID         string     `json:"id" gorm:"column:id;primaryKey"`
	RoomID     string     `json:"room_id" gorm:"column:room_id;index"`
	CallType   CallType   `json:"call_type" gorm:"column:call_type"`
	CallerID   string     `json:"caller_id" gorm:"column:caller_id;index"`
	ReceiverID string     `json:"receiver_id" gorm:"column:receiver_id;index"`
	Status     CallStatus `json:"status" gorm:"column:status;index"`

	// MediaRoomName is allocated exactly once per record and never reused.
	MediaRoomName string `json:"media_room_name" gorm:"column:media_room_name;unique"`
	// MediaRoomReleased records a successful teardown of the external room.
	MediaRoomReleased bool `json:"-" gorm:"column:media_room_released"`

	RecordingEnabled bool     `json:"recording_enabled" gorm:"column:recording_enabled"`
	RecordingURL     string   `json:"recording_url,omitempty" gorm:"column:recording_url"`
	QualityScore     *float64 `json:"quality_score,omitempty" gorm:"column:quality_score"`

	CreatedAt   time.Time  `json:"created_at" gorm:"column:created_at"`
	InitiatedAt time.Time  `json:"initiated_at" gorm:"column:initiated_at"`
	RingingAt   *time.Time `json:"ringing_at,omitempty" gorm:"column:ringing_at"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty" gorm:"column:answered_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" gorm:"column:ended_at"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"column:updated_at"`
}

func (CallRecord) TableName() string {
	return "call_records"
}

// Participant reports whether the user is the caller or the receiver.
func (c *CallRecord) Participant(userID string) bool {
	return c.CallerID == userID || c.ReceiverID == userID
}

// PeerOf returns the other party of the call relative to userID.
func (c *CallRecord) PeerOf(userID string) string {
	if c.CallerID == userID {
		return c.ReceiverID
	}
	return c.CallerID
}

// DurationSeconds returns the connected duration in whole seconds. It is
// non-zero only when both answered_at and ended_at are set.
func (c *CallRecord) DurationSeconds() int64 {
	if c.AnsweredAt == nil || c.EndedAt == nil {
		return 0
	}
	secs := int64(c.EndedAt.Sub(*c.AnsweredAt) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// FormatDuration renders a second count as "1h 2m 5s", omitting zero units
// from the left ("2m 5s", "45s").
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// CallEvent is an append-only audit log entry for a call. Events are never
// mutated; they are removed only by cascading delete of their call record.
type CallEvent struct {
	ID        string        `json:"id" gorm:"column:id;primaryKey"`
	CallID    string        `json:"call_id" gorm:"column:call_id;index"`
	EventType CallEventType `json:"event_type" gorm:"column:event_type"`
	ActorID   string        `json:"actor_id" gorm:"column:actor_id"`
	Metadata  JSONB         `json:"metadata,omitempty" gorm:"column:metadata;type:jsonb"`
	CreatedAt time.Time     `json:"created_at" gorm:"column:created_at"`
}

func (CallEvent) TableName() string {
	return "call_events"
}

// SystemActorID is recorded on reaper-driven transitions.
const SystemActorID = "system"
