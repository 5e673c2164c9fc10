package handler

import (
	"context"
	"net/http"

	"github.com/consultly/call-service/internal/adapters/chat"
	"github.com/consultly/call-service/internal/adapters/livekit"
	"github.com/consultly/call-service/internal/adapters/push"
	"github.com/consultly/call-service/internal/config"
	"github.com/consultly/call-service/internal/repository"
	"github.com/consultly/call-service/internal/services/call"
	"github.com/consultly/call-service/pkg/logger"
	"github.com/consultly/call-service/pkg/redis"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandlerManager manages all handlers and their initialization
type HandlerManager struct {
	config      *config.CallServiceConfig
	service     *call.CallSessionService
	reaper      *call.TimeoutReaper
	repoManager repository.RepositoryManager
	redisSvc    *redis.RedisService
}

// NewHandlerManager creates and initializes all handlers and services
func NewHandlerManager(cfg *config.CallServiceConfig) (*HandlerManager, error) {
	// Initialize database connection
	repoManager, err := repository.NewRepositoryManager()
	if err != nil {
		logger.Base().Error("failed to connect to database", zap.Error(err))
		return nil, err
	}

	// Initialize Redis for admission locks and event fan-out. Without it the
	// service degrades to in-process locks, which is only correct for a
	// single instance.
	redisConfig := &redis.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	redisSvc, err := redis.NewRedisService(redisConfig)
	if err != nil {
		logger.Base().Warn("failed to initialize redis, falling back to in-process locks", zap.Error(err))
		redisSvc = nil
	}

	var locker call.UserLocker
	var broadcaster call.Broadcaster
	if redisSvc != nil {
		locker = call.NewRedisLocker(redisSvc)
		broadcaster = redisSvc
	} else {
		locker = call.NewMemoryLocker()
	}

	// Media room provider
	livekitConfig, err := livekit.NewConfig(cfg.LiveKitServerURL, cfg.LiveKitWSURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret)
	if err != nil {
		logger.Base().Error("invalid livekit config", zap.Error(err))
		return nil, err
	}
	if cfg.ParticipantTokenTTL > 0 {
		livekitConfig.ParticipantTokenTTL = cfg.ParticipantTokenTTL
	}
	roomService, err := livekit.NewRoomService(livekitConfig)
	if err != nil {
		logger.Base().Error("failed to initialize livekit room service", zap.Error(err))
		return nil, err
	}

	// Collaborator clients
	notifier := push.NewClient(cfg.NotifierBaseURL, cfg.NotifierAPIKey)
	roomDirectory := chat.NewClient(cfg.ChatBaseURL, cfg.ChatAPIKey)

	service := call.NewCallSessionService(cfg, repoManager, roomService, notifier, roomDirectory, broadcaster, locker)

	reaper := call.NewTimeoutReaper(service, repoManager, cfg.ReaperInterval, cfg.AnswerTimeout, cfg.MaxCallDuration)
	go reaper.Run(context.Background())

	return &HandlerManager{
		config:      cfg,
		service:     service,
		reaper:      reaper,
		repoManager: repoManager,
		redisSvc:    redisSvc,
	}, nil
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	router.Use(LoggingMiddleware)
	if hm.config.EnableCORS {
		router.Use(CORSMiddleware)
	}

	router.HandleFunc("/health", hm.Health).Methods("GET")

	// Call routes require an authenticated user
	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(AuthMiddleware(hm.config.JWTSecret))

	callHandler := NewCallHandler(hm.service)
	callHandler.SetupCallRoutes(apiRouter)

	logger.Base().Info("all application routes registered")
}

// Health reports liveness of the service and its data stores.
func (hm *HandlerManager) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := hm.repoManager.Ping(r.Context()); err != nil {
		logger.Base().Warn("health check database ping failed", zap.Error(err))
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":   status,
		"instance": hm.config.InstanceID,
	})
}

// GetRepoManager returns the repository manager
func (hm *HandlerManager) GetRepoManager() repository.RepositoryManager {
	return hm.repoManager
}

// GetService returns the call session service
func (hm *HandlerManager) GetService() *call.CallSessionService {
	return hm.service
}
