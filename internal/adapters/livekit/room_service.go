package livekit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/consultly/call-service/pkg/logger"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"go.uber.org/zap"
)

// RoomCreateStatus is the typed outcome of a room-creation attempt.
type RoomCreateStatus string

const (
	// RoomProvisioned means the server acknowledged the room.
	RoomProvisioned RoomCreateStatus = "provisioned"
	// RoomDeferred means the management call failed but the server will
	// auto-create the room when the first participant joins, so the call
	// proceeds in a degraded mode.
	RoomDeferred RoomCreateStatus = "deferred"
)

// RoomCreateResult carries the creation outcome plus the transport error, if
// any, for operators and the reconciliation job.
type RoomCreateResult struct {
	Status RoomCreateStatus
	Err    error
}

// Participant is a vendor-neutral view of a room occupant.
type Participant struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
	JoinedAt int64  `json:"joined_at"`
}

// RoomService manages media rooms and join tokens on a LiveKit server.
// Management calls are authenticated by short-lived admin tokens signed per
// request inside the SDK client.
type RoomService struct {
	config *Config
	client *lksdk.RoomServiceClient
}

// NewRoomService creates a room service against the configured LiveKit server.
func NewRoomService(config *Config) (*RoomService, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid LiveKit config: %w", err)
	}

	client := lksdk.NewRoomServiceClient(config.ServerURL, config.APIKey, config.APISecret)

	logger.Base().Info("LiveKit room service initialized", zap.String("server_url", config.ServerURL))
	return &RoomService{config: config, client: client}, nil
}

// WSURL returns the join URL clients connect to with their token.
func (s *RoomService) WSURL() string {
	return s.config.WSURL
}

// RoomName builds the globally unique media room name for a call id.
func (s *RoomService) RoomName(callID string) string {
	return s.config.RoomPrefix + callID
}

// CreateRoom provisions a media room. Transport failures degrade to
// RoomDeferred: the server lazily auto-creates rooms on first join, so a
// management-plane outage must not block the call.
func (s *RoomService) CreateRoom(ctx context.Context, name string) RoomCreateResult {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.client.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            name,
		EmptyTimeout:    s.config.EmptyTimeout,
		MaxParticipants: s.config.MaxParticipants,
	})
	if err != nil {
		logger.Base().Warn("room creation failed, deferring to auto-create on join",
			zap.String("room", name), zap.Error(err))
		return RoomCreateResult{Status: RoomDeferred, Err: err}
	}

	logger.Base().Info("media room provisioned", zap.String("room", name))
	return RoomCreateResult{Status: RoomProvisioned}
}

// ParticipantToken issues a signed join token granting publish and subscribe
// rights in the room. A ttl of zero uses the configured default.
func (s *RoomService) ParticipantToken(room, identity, name string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.config.ParticipantTokenTTL
	}

	canPublish := true
	canSubscribe := true
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         room,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}

	at := auth.NewAccessToken(s.config.APIKey, s.config.APISecret)
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(ttl)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("failed to sign join token: %w", err)
	}
	return token, nil
}

// DeleteRoom tears down a media room. Deleting an absent room is success, so
// the call is idempotent across user-action and reaper paths.
func (s *RoomService) DeleteRoom(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.client.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: name})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete room %s: %w", name, err)
	}
	return nil
}

// ListRooms lists room names currently known to the server. Used by the
// reconciliation pass and diagnostics.
func (s *RoomService) ListRooms(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := s.client.ListRooms(ctx, &livekit.ListRoomsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	names := make([]string, 0, len(resp.Rooms))
	for _, room := range resp.Rooms {
		names = append(names, room.Name)
	}
	return names, nil
}

// ListParticipants lists the occupants of a room. Diagnostics only.
func (s *RoomService) ListParticipants(ctx context.Context, room string) ([]Participant, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := s.client.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: room})
	if err != nil {
		return nil, fmt.Errorf("failed to list participants of %s: %w", room, err)
	}

	participants := make([]Participant, 0, len(resp.Participants))
	for _, p := range resp.Participants {
		participants = append(participants, Participant{
			Identity: p.Identity,
			Name:     p.Name,
			JoinedAt: p.JoinedAt,
		})
	}
	return participants, nil
}

// RemoveParticipant force-disconnects a participant from a room.
func (s *RoomService) RemoveParticipant(ctx context.Context, room, identity string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.client.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     room,
		Identity: identity,
	})
	if err != nil {
		return fmt.Errorf("failed to remove participant %s from %s: %w", identity, room, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}
