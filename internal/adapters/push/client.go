package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/consultly/call-service/pkg/logger"
	"go.uber.org/zap"
)

// Client dispatches push notifications through the platform's notification
// service. Delivery semantics (retries, multi-device fan-out, dead-token
// cleanup) live in that service, not here.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a push notification client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// sendRequest is the wire payload for the notification service
type sendRequest struct {
	UserID string            `json:"user_id"`
	Type   string            `json:"type"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

type sendResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send dispatches one notification to all of the user's registered devices.
func (c *Client) Send(ctx context.Context, userID, notifType, title, body string, data map[string]string) error {
	payload, err := json.Marshal(sendRequest{
		UserID: userID,
		Type:   notifType,
		Title:  title,
		Body:   body,
		Data:   data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	url := fmt.Sprintf("%s/internal/notifications/send", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiResp sendResponse
		_ = json.Unmarshal(raw, &apiResp)
		return fmt.Errorf("notification service returned %d: %s", resp.StatusCode, apiResp.Message)
	}

	logger.Base().Debug("notification dispatched",
		zap.String("user_id", userID),
		zap.String("type", notifType))
	return nil
}
