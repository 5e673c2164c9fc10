package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotMember is returned when the user does not belong to the room.
var ErrNotMember = fmt.Errorf("user is not a member of the room")

// ErrRoomNotFound is returned when the chat room does not exist.
var ErrRoomNotFound = fmt.Errorf("room not found")

// Client consumes the chat subsystem's room directory. Only the room id and
// the participant membership are read here; message delivery stays with the
// chat service.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a chat room directory client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type roomResponse struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
}

// PeerID verifies that userID belongs to the two-party room and returns the
// other participant's id.
func (c *Client) PeerID(ctx context.Context, roomID, userID string) (string, error) {
	url := fmt.Sprintf("%s/internal/rooms/%s", c.BaseURL, roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build room request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("room lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrRoomNotFound
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat service returned %d for room %s", resp.StatusCode, roomID)
	}

	var room roomResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&room); err != nil {
		return "", fmt.Errorf("failed to decode room response: %w", err)
	}

	var member bool
	var peer string
	for _, p := range room.Participants {
		if p == userID {
			member = true
		} else {
			peer = p
		}
	}
	if !member {
		return "", ErrNotMember
	}
	if peer == "" {
		return "", fmt.Errorf("room %s has no reachable peer", roomID)
	}
	return peer, nil
}
