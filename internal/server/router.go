package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/auth"
	"github.com/MarcoPoloResearchLab/inspecta/internal/live"
	"github.com/MarcoPoloResearchLab/inspecta/internal/realtime"
	"github.com/MarcoPoloResearchLab/inspecta/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	actorContextKey          = "inspecta_actor"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingActorResolver    = errors.New("actor resolver dependency required")
	errMissingLiveService      = errors.New("live service dependency required")
	errMissingHub              = errors.New("realtime hub dependency required")
)

// SessionValidator authenticates requests carrying a session JWT.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// ActorResolver maps session claims to the acting user.
type ActorResolver interface {
	ResolveActor(claims auth.SessionClaims) (users.Actor, error)
}

// Dependencies wires the HTTP layer.
type Dependencies struct {
	SessionValidator SessionValidator
	Actors           ActorResolver
	Live             *live.Service
	Hub              *realtime.Hub
	// AllowedOrigins lists CORS origins; empty allows any origin.
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router serving the inspection API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Actors == nil:
		return nil, errMissingActorResolver
	case deps.Live == nil:
		return nil, errMissingLiveService
	case deps.Hub == nil:
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		actors:    deps.Actors,
		live:      deps.Live,
		hub:       deps.Hub,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	establishments := protected.Group("/establishments/:id")
	establishments.POST("/inspections", handler.handleStartInspection)
	establishments.GET("/draft", handler.handleGetDraft)
	establishments.PUT("/draft", handler.handleEditDraft)
	establishments.DELETE("/draft", handler.handleDiscardDraft)
	establishments.POST("/draft/confirm", handler.handleConfirmDraft)
	establishments.POST("/draft/takeover", handler.handleTakeOver)
	establishments.POST("/draft/finalize", handler.handleFinalize)
	establishments.GET("/plan", handler.handleWeeklyPlan)
	establishments.PUT("/plan/meta", handler.handleOverrideWeekMeta)

	protected.PUT("/settings/quota", handler.handleSetDefaultMeta)

	protected.GET("/realtime/stream", handler.handleStream)
	protected.POST("/realtime/connections/:connection/rooms", handler.handleJoinRoom)
	protected.DELETE("/realtime/connections/:connection/rooms/:room", handler.handleLeaveRoom)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions  SessionValidator
	actors    ActorResolver
	live      *live.Service
	hub       *realtime.Hub
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest authenticates the session and stores the resolved actor. Browsers
// cannot set headers on EventSource requests, so an access_token query parameter is
// accepted when neither header nor cookie is present.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		if token := strings.TrimSpace(c.Query(accessTokenQueryKey)); token != "" {
			claims, err = h.sessions.ValidateToken(token)
		}
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "a valid session is required"})
		return
	}

	actor, err := h.actors.ResolveActor(claims)
	switch {
	case errors.Is(err, users.ErrMissingRole):
		h.logger.Info("session without inspection role", zap.String("user_id", claims.UserID))
		c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Error: "missing_role", Message: err.Error()})
		return
	case errors.Is(err, users.ErrInvalidIdentity):
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: err.Error()})
		return
	case err != nil:
		h.logger.Error("actor resolution failed", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "actor_resolution_failed", Message: "could not resolve the session user"})
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func actorFrom(c *gin.Context) users.Actor {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return users.Actor{}
	}
	actor, _ := value.(users.Actor)
	return actor
}
