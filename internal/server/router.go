package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/connection"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/messages"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	eventHeartbeat           = "heartbeat"
	heartbeatSource          = "chatcore-bridge"
	defaultHeartbeatInterval = 25 * time.Second
)

var errMissingSession = errors.New("session dependency required")

// ChatSession is the behavior the bridge exposes to the UI shell.
type ChatSession interface {
	Snapshot() session.Snapshot
	Status() connection.Status
	Send(ctx context.Context, draft session.OutgoingDraft) (messages.MessageRecord, error)
	BeginReply(messageID string) (messages.ReplyContext, error)
	CancelReply()
	MessageVisible(ctx context.Context, messageID string) error
	SetPresence(ctx context.Context, hidden, focused bool) (int, error)
	Clear(ctx context.Context) error
	SetNotificationsOptIn(ctx context.Context, optedIn bool) error
	RetryIdentity(ctx context.Context, identity string) error
	ResetIdentity(ctx context.Context) error
	Subscribe(ctx context.Context) (<-chan session.Change, func())
}

type Dependencies struct {
	Session           ChatSession
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Session == nil {
		return nil, errMissingSession
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
		session:   deps.Session,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/status", handler.handleStatus)
	router.GET("/messages", handler.handleSnapshot)
	router.POST("/messages", handler.handleSend)
	router.POST("/replies", handler.handleBeginReply)
	router.DELETE("/replies", handler.handleCancelReply)
	router.POST("/seen", handler.handleSeen)
	router.POST("/presence", handler.handlePresence)
	router.POST("/clear", handler.handleClear)
	router.PUT("/notifications", handler.handleNotifications)
	router.POST("/identity", handler.handleIdentity)
	router.DELETE("/identity", handler.handleResetIdentity)
	router.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	session   ChatSession
	heartbeat time.Duration
	logger    *zap.Logger
}

type replyRequestPayload struct {
	MessageID string `json:"messageId"`
}

type seenRequestPayload struct {
	MessageID string `json:"messageId"`
}

type presenceRequestPayload struct {
	Hidden  bool `json:"hidden"`
	Focused bool `json:"focused"`
}

type presenceResponsePayload struct {
	MarkedSeen int `json:"markedSeen"`
}

type notificationsRequestPayload struct {
	OptedIn *bool `json:"optedIn"`
}

type identityRequestPayload struct {
	Identity string `json:"identity"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Status())
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Snapshot())
}

func (h *httpHandler) handleSend(c *gin.Context) {
	var request session.OutgoingDraft
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.session.Send(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, "send failed", err)
		return
	}
	c.JSON(http.StatusAccepted, record)
}

func (h *httpHandler) handleBeginReply(c *gin.Context) {
	var request replyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.MessageID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	reply, err := h.session.BeginReply(request.MessageID)
	if err != nil {
		h.respondError(c, "reply selection failed", err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (h *httpHandler) handleCancelReply(c *gin.Context) {
	h.session.CancelReply()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSeen(c *gin.Context) {
	var request seenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.MessageID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.session.MessageVisible(c.Request.Context(), request.MessageID); err != nil {
		h.respondError(c, "seen mark failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	var request presenceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	marked, err := h.session.SetPresence(c.Request.Context(), request.Hidden, request.Focused)
	if err != nil {
		h.respondError(c, "presence update failed", err)
		return
	}
	c.JSON(http.StatusOK, presenceResponsePayload{MarkedSeen: marked})
}

func (h *httpHandler) handleClear(c *gin.Context) {
	if err := h.session.Clear(c.Request.Context()); err != nil {
		h.respondError(c, "clear failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleNotifications(c *gin.Context) {
	var request notificationsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.OptedIn == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.session.SetNotificationsOptIn(c.Request.Context(), *request.OptedIn); err != nil {
		h.respondError(c, "notification preference failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleIdentity(c *gin.Context) {
	var request identityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.session.RetryIdentity(c.Request.Context(), request.Identity); err != nil {
		h.respondError(c, "identity retry failed", err)
		return
	}
	c.JSON(http.StatusOK, h.session.Status())
}

func (h *httpHandler) handleResetIdentity(c *gin.Context) {
	if err := h.session.ResetIdentity(c.Request.Context()); err != nil {
		h.respondError(c, "identity reset failed", err)
		return
	}
	c.JSON(http.StatusOK, h.session.Status())
}

// handleEvents streams session changes as server-sent events, with periodic
// heartbeats so intermediaries keep the response open.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.session.Subscribe(ctx)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(session.ChangeConnectionChanged, session.Change{
		Type:      session.ChangeConnectionChanged,
		Status:    statusPointer(h.session.Status()),
		Timestamp: time.Now().UTC(),
	})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case change := <-stream:
			c.SSEvent(change.Type, change)
			return true
		case now := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"source": heartbeatSource, "timestamp": now.UTC()})
			return true
		}
	})
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Info(message, zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrUnknownMessage):
		return http.StatusNotFound, "unknown_message"
	case errors.Is(err, connection.ErrNotConnected):
		return http.StatusServiceUnavailable, "not_connected"
	case errors.Is(err, connection.ErrUnauthenticated),
		errors.Is(err, connection.ErrIdentityUnavailable),
		errors.Is(err, connection.ErrIdentityRejected):
		return http.StatusForbidden, "unauthenticated"
	case errors.Is(err, messages.ErrEmptyBody),
		errors.Is(err, messages.ErrMissingID),
		errors.Is(err, messages.ErrMissingSender),
		errors.Is(err, messages.ErrInvalidSentAt):
		return http.StatusBadRequest, "invalid_message"
	case errors.Is(err, messages.ErrPersistence):
		return http.StatusInternalServerError, "persistence_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func statusPointer(status connection.Status) *connection.Status {
	return &status
}
