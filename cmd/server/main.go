package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/consultly/call-service/internal/config"
	"github.com/consultly/call-service/internal/handler"
	"github.com/consultly/call-service/pkg/logger"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Server represents the call session service server
type Server struct {
	config         *config.CallServiceConfig
	router         *mux.Router
	handlerManager *handler.HandlerManager
}

// NewServer creates a new call session service server
func NewServer(cfg *config.CallServiceConfig) *Server {
	// Initialize zap logger and redirect stdlib log to it
	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		logger.Base().Error("Failed to initialize zap logger, falling back to std log")
	}

	router := mux.NewRouter()

	// Initialize handler manager - it will create all services internally
	handlerManager, err := handler.NewHandlerManager(cfg)
	if err != nil {
		logger.Base().Error("Failed to initialize handler manager", zap.Error(err))
		return nil
	}

	handlerManager.SetupAllRoutes(router)

	return &Server{
		config:         cfg,
		router:         router,
		handlerManager: handlerManager,
	}
}

// Start starts the call session service server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.config.Port)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Base().Info("Starting server", zap.String("addr", addr))
	return server.ListenAndServe()
}

// LoadConfigFromEnv loads the call service configuration from environment
func LoadConfigFromEnv() *config.CallServiceConfig {
	return &config.CallServiceConfig{
		Port:       getEnvOrDefault("CALL_SERVICE_PORT", "8084"),
		InstanceID: getDynamicInstanceID(),
		JWTSecret:  getEnvOrDefault("JWT_SECRET", ""),
		EnableCORS: getEnvAsBoolOrDefault("CALL_ENABLE_CORS", true),

		// Call lifecycle
		AnswerTimeout:        getEnvAsDurationOrDefault("ANSWER_TIMEOUT_SECONDS", 60*time.Second),
		MaxCallDuration:      getEnvAsDurationOrDefault("MAX_CALL_DURATION_SECONDS", 2*time.Hour),
		ReaperInterval:       getEnvAsDurationOrDefault("REAPER_INTERVAL_SECONDS", 30*time.Second),
		MaxConcurrentPerUser: getEnvAsIntOrDefault("MAX_CONCURRENT_CALLS_PER_USER", 1),
		ParticipantTokenTTL:  getEnvAsDurationOrDefault("PARTICIPANT_TOKEN_TTL_SECONDS", time.Hour),
		AdmissionLockTTL:     getEnvAsDurationOrDefault("ADMISSION_LOCK_TTL_SECONDS", 10*time.Second),

		// LiveKit configuration
		LiveKitServerURL: getEnvOrDefault("LIVEKIT_SERVER_URL", ""),
		LiveKitWSURL:     getEnvOrDefault("LIVEKIT_WS_URL", ""),
		LiveKitAPIKey:    getEnvOrDefault("LIVEKIT_API_KEY", ""),
		LiveKitAPISecret: getEnvOrDefault("LIVEKIT_API_SECRET", ""),

		// Collaborator services
		NotifierBaseURL: getEnvOrDefault("NOTIFICATION_SERVICE_URL", ""),
		NotifierAPIKey:  getEnvOrDefault("NOTIFICATION_SERVICE_API_KEY", ""),
		ChatBaseURL:     getEnvOrDefault("CHAT_SERVICE_URL", ""),
		ChatAPIKey:      getEnvOrDefault("CHAT_SERVICE_API_KEY", ""),

		// Redis configuration
		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsIntOrDefault("REDIS_DB", 0),
	}
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDurationOrDefault reads a duration given in whole seconds
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getDynamicInstanceID generates a unique identifier for this service instance.
// It first tries the system hostname (pod name in K8s), then falls back to a
// timestamp-based ID.
func getDynamicInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("call-service-%d", time.Now().UnixNano())
}

func main() {
	// Load .env file for local development if it exists
	// This will not override environment variables set by Helm/Docker
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	cfg := LoadConfigFromEnv()
	fmt.Printf("Starting Call Session Service (Instance: %s)\n", cfg.InstanceID)

	server := NewServer(cfg)
	if server == nil {
		log.Fatal("Failed to create server")
	}
	logger.Base().Info("Server initialized successfully",
		zap.String("port", cfg.Port),
		zap.String("instance_id", cfg.InstanceID))

	if err := server.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
