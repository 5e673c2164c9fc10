package livekit

import (
	"errors"
	"time"
)

// Config holds LiveKit server configuration
type Config struct {
	ServerURL  string // LiveKit server URL (https scheme for the management API)
	WSURL      string // WebSocket URL handed to clients for joining
	APIKey     string
	APISecret  string
	RoomPrefix string // prefix for generated media room names

	ParticipantTokenTTL time.Duration // join token validity, default 1h
	AdminTokenTTL       time.Duration // management token validity, default 5m
	EmptyTimeout        uint32        // seconds before the server reclaims an empty room
	MaxParticipants     uint32
}

// NewConfig creates a LiveKit configuration with validation and defaults.
func NewConfig(serverURL, wsURL, apiKey, apiSecret string) (*Config, error) {
	if serverURL == "" {
		return nil, errors.New("LiveKit server URL is required")
	}
	if apiKey == "" {
		return nil, errors.New("LiveKit API key is required")
	}
	if apiSecret == "" {
		return nil, errors.New("LiveKit API secret is required")
	}
	if wsURL == "" {
		wsURL = serverURL
	}

	return &Config{
		ServerURL:           serverURL,
		WSURL:               wsURL,
		APIKey:              apiKey,
		APISecret:           apiSecret,
		RoomPrefix:          "call-",
		ParticipantTokenTTL: time.Hour,
		AdminTokenTTL:       5 * time.Minute,
		EmptyTimeout:        300,
		MaxParticipants:     2,
	}, nil
}

// Validate validates the LiveKit configuration
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("LiveKit server URL is required")
	}
	if c.APIKey == "" {
		return errors.New("LiveKit API key is required")
	}
	if c.APISecret == "" {
		return errors.New("LiveKit API secret is required")
	}
	return nil
}
