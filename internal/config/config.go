package config

import "time"

// Busy-denial codes returned on admission-control rejections.
const (
	ErrCodeCallerBusy   = "CALLER_BUSY"
	ErrCodeReceiverBusy = "RECEIVER_BUSY"
)

// CallServiceConfig holds the call session service configuration
type CallServiceConfig struct {
	Port       string
	InstanceID string
	JWTSecret  string
	EnableCORS bool

	// Call lifecycle
	AnswerTimeout        time.Duration // unanswered calls become missed after this
	MaxCallDuration      time.Duration // answered calls are force-ended after this
	ReaperInterval       time.Duration
	MaxConcurrentPerUser int
	ParticipantTokenTTL  time.Duration
	AdmissionLockTTL     time.Duration

	// LiveKit
	LiveKitServerURL string
	LiveKitWSURL     string
	LiveKitAPIKey    string
	LiveKitAPISecret string

	// Collaborators
	NotifierBaseURL string
	NotifierAPIKey  string
	ChatBaseURL     string
	ChatAPIKey      string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
}
