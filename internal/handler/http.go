// Package handler - HTTP и websocket интерфейс сервера историй.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"parable-server/internal/cache"
	"parable-server/internal/models"
	"parable-server/internal/session"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

// ProfileStore - хранилище профилей.
type ProfileStore interface {
	SaveProfile(ctx context.Context, profile models.Profile) error
	LoadProfile(ctx context.Context, userID string) (*models.Profile, error)
}

// Handler обрабатывает HTTP запросы.
type Handler struct {
	sessions  *session.Orchestrator
	narration *session.NarrationControl
	media     *cache.Cache
	profiles  ProfileStore
	hub       *EventHub
	logger    *zap.Logger
}

// NewHandler создает обработчик. narration, media и hub могут быть nil:
// соответствующие маршруты тогда отвечают 503.
func NewHandler(sessions *session.Orchestrator, narration *session.NarrationControl, media *cache.Cache, profiles ProfileStore, hub *EventHub, logger *zap.Logger) *Handler {
	return &Handler{
		sessions:  sessions,
		narration: narration,
		media:     media,
		profiles:  profiles,
		hub:       hub,
		logger:    logger.Named("Handler"),
	}
}

// RouterConfig - параметры HTTP роутера.
type RouterConfig struct {
	AllowedOrigins []string
	Debug          bool
	Metrics        bool // Экспорт /metrics через go-gin-prometheus
}

// NewRouter собирает gin роутер с логированием, CORS и метриками.
func NewRouter(cfg RouterConfig, h *Handler, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(ZapLogger(logger.Named("HTTP")))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", userIDHeader}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	if cfg.Metrics {
		p := ginprometheus.NewPrometheus("gin")
		p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
			// Ключи медиа и идентификаторы сегментов не должны раздувать кардинальность.
			if route := c.FullPath(); route != "" {
				return route
			}
			return "unknown"
		}
		p.Use(router)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes регистрирует маршруты API.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	// Медиа адресуются ключом содержимого и отдаются без заголовка пользователя
	// (теги <img>/<video>/<audio> не умеют отправлять заголовки).
	router.GET("/api/media/:key", h.getMedia)

	api := router.Group("/api", RequireUser())
	{
		api.GET("/stories", h.listStories)

		sess := api.Group("/stories/:storyId/session")
		{
			sess.POST("", h.startSession)
			sess.GET("", h.getSession)
			sess.DELETE("", h.resetSession)
			sess.POST("/choice", h.choose)
			sess.POST("/question", h.ask)
			sess.GET("/lessons", h.lessons)

			sess.GET("/narration", h.narrationStatus)
			sess.POST("/narration/stop", h.stopNarration)
			sess.POST("/narration/:segmentId/play", h.playNarration)
			sess.POST("/narration/:segmentId/pause", h.pauseNarration)
			sess.POST("/narration/:segmentId/resume", h.resumeNarration)
			sess.POST("/narration/:segmentId/ended", h.endedNarration)
		}

		api.GET("/settings", h.getSettings)
		api.PUT("/settings", h.putSettings)
		api.GET("/profile", h.getProfile)
		api.PUT("/profile", h.putProfile)
	}

	if h.hub != nil {
		router.GET("/ws", RequireUser(), h.hub.serveWS)
	}
}

func sessionKey(c *gin.Context) models.SessionKey {
	return models.SessionKey{StoryID: c.Param("storyId"), UserID: c.GetString(userIDKey)}
}

func (h *Handler) listStories(c *gin.Context) {
	stories := h.sessions.Stories()
	out := make([]StorySummary, 0, len(stories))
	for _, s := range stories {
		out = append(out, StorySummary{ID: s.ID, Title: s.Title})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) startSession(c *gin.Context) {
	sess, err := h.sessions.Start(c.Request.Context(), sessionKey(c))
	h.respondTurn(c, sess, err)
}

func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.sessions.Snapshot(c.Request.Context(), sessionKey(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{Session: sess})
}

func (h *Handler) resetSession(c *gin.Context) {
	key := sessionKey(c)
	if err := h.sessions.Reset(c.Request.Context(), key); err != nil {
		h.handleServiceError(c, err)
		return
	}
	if h.narration != nil {
		h.narration.Forget(key)
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) choose(c *gin.Context) {
	var req ChoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: codeBadRequest, Message: "Invalid request body"})
		return
	}
	sess, err := h.sessions.Choose(c.Request.Context(), sessionKey(c), req.Choice)
	h.respondTurn(c, sess, err)
}

func (h *Handler) ask(c *gin.Context) {
	var req QuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: codeBadRequest, Message: "Invalid request body"})
		return
	}
	sess, err := h.sessions.Ask(c.Request.Context(), sessionKey(c), req.Question)
	h.respondTurn(c, sess, err)
}

// respondTurn отвечает на ход. При незавершенном ходе возвращается 409 с текущим снимком.
func (h *Handler) respondTurn(c *gin.Context, sess models.Session, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, SessionResponse{Session: sess})
	case errors.Is(err, models.ErrTurnInProgress):
		c.JSON(http.StatusConflict, SessionResponse{Session: sess, TurnInProgress: true})
	default:
		h.handleServiceError(c, err)
	}
}

func (h *Handler) lessons(c *gin.Context) {
	lessons, err := h.sessions.Lessons(c.Request.Context(), sessionKey(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, LessonsResponse{Lessons: lessons})
}

func (h *Handler) requireNarration(c *gin.Context) bool {
	if h.narration == nil {
		h.handleServiceError(c, models.ErrProviderNotConfigured)
		return false
	}
	return true
}

func (h *Handler) narrationStatus(c *gin.Context) {
	if !h.requireNarration(c) {
		return
	}
	c.JSON(http.StatusOK, NarrationResponse{Status: h.narration.Status(sessionKey(c))})
}

func (h *Handler) playNarration(c *gin.Context) {
	if !h.requireNarration(c) {
		return
	}
	key := sessionKey(c)
	if err := h.narration.Narrate(c.Request.Context(), key, c.Param("segmentId")); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, NarrationResponse{Status: h.narration.Status(key)})
}

func (h *Handler) pauseNarration(c *gin.Context) {
	h.narrationAction(c, h.narration.Pause)
}

func (h *Handler) resumeNarration(c *gin.Context) {
	h.narrationAction(c, h.narration.Resume)
}

func (h *Handler) endedNarration(c *gin.Context) {
	h.narrationAction(c, h.narration.Ended)
}

func (h *Handler) narrationAction(c *gin.Context, action func(models.SessionKey, string) error) {
	if !h.requireNarration(c) {
		return
	}
	key := sessionKey(c)
	if err := action(key, c.Param("segmentId")); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, NarrationResponse{Status: h.narration.Status(key)})
}

func (h *Handler) stopNarration(c *gin.Context) {
	if !h.requireNarration(c) {
		return
	}
	key := sessionKey(c)
	h.narration.Stop(key)
	c.JSON(http.StatusOK, NarrationResponse{Status: h.narration.Status(key)})
}

func (h *Handler) getSettings(c *gin.Context) {
	s, err := h.sessions.Settings(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) putSettings(c *gin.Context) {
	var s models.Settings
	if err := c.ShouldBindJSON(&s); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: codeBadRequest, Message: "Invalid settings"})
		return
	}
	userID := c.GetString(userIDKey)
	// Счетчик использования клипов ведет сервер.
	current, err := h.sessions.Settings(c.Request.Context(), userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	s.ClipUsage = current.ClipUsage
	saved, err := h.sessions.ApplySettings(c.Request.Context(), userID, s)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *Handler) getProfile(c *gin.Context) {
	profile, err := h.profiles.LoadProfile(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) putProfile(c *gin.Context) {
	var req ProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: codeBadRequest, Message: "Invalid profile"})
		return
	}
	userID := c.GetString(userIDKey)
	profile := models.Profile{UserID: userID, Name: strings.TrimSpace(req.Name), AvatarRef: req.AvatarRef, CreatedAt: time.Now().UTC()}
	if existing, err := h.profiles.LoadProfile(c.Request.Context(), userID); err == nil {
		profile.CreatedAt = existing.CreatedAt
	}
	if err := h.profiles.SaveProfile(c.Request.Context(), profile); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) getMedia(c *gin.Context) {
	if h.media == nil {
		h.handleServiceError(c, models.ErrProviderNotConfigured)
		return
	}
	entry, ok := h.media.GetByKey(c.Request.Context(), c.Param("key"))
	if !ok {
		h.handleServiceError(c, models.ErrNotFound)
		return
	}
	c.Header("Cache-Control", "public, max-age=86400, immutable")
	c.Data(http.StatusOK, contentType(entry), entry.Payload)
}

func contentType(e *models.CacheEntry) string {
	switch e.Kind {
	case models.MediaClip:
		return "video/mp4"
	case models.MediaAudio:
		return "audio/mpeg"
	default:
		return http.DetectContentType(e.Payload)
	}
}
