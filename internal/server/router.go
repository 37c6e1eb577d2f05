package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/workchat/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/hub"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/workchat/backend/internal/search"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	userIDContextKey = "workchat_user_id"
	orgIDContextKey  = "workchat_org_id"
)

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingStore        = errors.New("message store dependency required")
	errMissingSearch       = errors.New("search indexer dependency required")
	errMissingHub          = errors.New("broadcast hub dependency required")
	errMissingPresence     = errors.New("presence tracker dependency required")
	errMissingAudit        = errors.New("audit engine dependency required")
	errMissingDatabase     = errors.New("database dependency required")
	errInvalidAuth         = errors.New("authorization header missing or invalid")
)

// TokenValidator authenticates bearer tokens into a user and org pair.
type TokenValidator interface {
	ValidateToken(token string) (userID, orgID string, err error)
}

// Dependencies wires the core services into the HTTP surface.
type Dependencies struct {
	TokenManager TokenValidator
	Store        *chat.Store
	Search       *search.Indexer
	Audit        *audit.Engine
	Hub          *hub.Hub
	Presence     *presence.Tracker
	Database     *gorm.DB
	Metrics      *metrics.Set
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router over the distribution core. The
// surface is deliberately thin: handlers translate payloads and publish
// committed events, all semantics live in the injected services.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Search == nil {
		return nil, errMissingSearch
	}
	if deps.Audit == nil {
		return nil, errMissingAudit
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Database == nil {
		return nil, errMissingDatabase
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		store:    deps.Store,
		search:   deps.Search,
		audit:    deps.Audit,
		hub:      deps.Hub,
		presence: deps.Presence,
		db:       deps.Database,
		logger:   logger,
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/channels", handler.handleCreateChannel)
	protected.GET("/channels", handler.handleListChannels)
	protected.POST("/channels/:id/read", handler.handleMarkChannelRead)
	protected.GET("/channels/:id/unread", handler.handleUnreadCount)
	protected.POST("/messages", handler.handlePostMessage)
	protected.PATCH("/messages/:id", handler.handleEditMessage)
	protected.POST("/messages/:id/reactions", handler.handleAddReaction)
	protected.DELETE("/messages/:id/reactions", handler.handleRemoveReaction)
	protected.GET("/messages/:id/reactions", handler.handleListReactions)
	protected.POST("/threads/:id/replies", handler.handleReplyToThread)
	protected.GET("/threads/:id", handler.handleGetThread)
	protected.GET("/search", handler.handleSearch)
	protected.GET("/audit", handler.handleListAudit)
	protected.GET("/presence", handler.handlePresenceSnapshot)
	protected.POST("/typing", handler.handleTyping)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	tokens   TokenValidator
	store    *chat.Store
	search   *search.Indexer
	audit    *audit.Engine
	hub      *hub.Hub
	presence *presence.Tracker
	db       *gorm.DB
	logger   *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	userID, orgID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Set(orgIDContextKey, orgID)
	c.Next()
}

// bearerToken accepts the Authorization header or, for EventSource clients
// that cannot set headers, an access_token query parameter.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}

func (h *httpHandler) actor(c *gin.Context) chat.Actor {
	return chat.Actor{
		UserID: c.GetString(userIDContextKey),
		OrgID:  c.GetString(orgIDContextKey),
	}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	kind := chat.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case chat.KindNotFound:
		status = http.StatusNotFound
	case chat.KindConflict:
		status = http.StatusConflict
	case chat.KindInvalidArgument:
		status = http.StatusBadRequest
	case chat.KindForbidden:
		status = http.StatusForbidden
	case chat.KindRateLimited:
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": string(kind)})
}

type messagePayload struct {
	ID               string        `json:"id"`
	ChannelID        string        `json:"channel_id"`
	ThreadID         string        `json:"thread_id"`
	UserID           string        `json:"user_id"`
	Body             string        `json:"body"`
	Metadata         chat.Metadata `json:"metadata,omitempty"`
	Version          int64         `json:"version"`
	CreatedAtSeconds int64         `json:"created_at_s"`
	EditedAtSeconds  *int64        `json:"edited_at_s,omitempty"`
}

func (h *httpHandler) renderMessage(message chat.Message) messagePayload {
	metadata, err := chat.DecodeMetadata(message.MetadataJSON)
	if err != nil {
		h.logger.Warn("stored metadata failed to decode",
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
	return messagePayload{
		ID:               message.ID,
		ChannelID:        message.ChannelID,
		ThreadID:         message.ThreadID,
		UserID:           message.UserID,
		Body:             message.Body,
		Metadata:         metadata,
		Version:          message.Version,
		CreatedAtSeconds: message.CreatedAtSeconds,
		EditedAtSeconds:  message.EditedAtSeconds,
	}
}

func eventPayload(message chat.Message) hub.MessagePayload {
	return hub.MessagePayload{
		ID:               message.ID,
		ChannelID:        message.ChannelID,
		ThreadID:         message.ThreadID,
		UserID:           message.UserID,
		Body:             message.Body,
		Version:          message.Version,
		CreatedAtSeconds: message.CreatedAtSeconds,
		EditedAtSeconds:  message.EditedAtSeconds,
	}
}

type postMessageRequest struct {
	ChannelID string        `json:"channel_id"`
	Body      string        `json:"body"`
	Metadata  chat.Metadata `json:"metadata,omitempty"`
}

func (h *httpHandler) handlePostMessage(c *gin.Context) {
	var request postMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actor := h.actor(c)
	message, err := h.store.PostMessage(c.Request.Context(), actor, request.ChannelID, request.Body, request.Metadata)
	if err != nil {
		h.respondError(c, err)
		return
	}
	// Publish strictly after the transaction committed: subscribers never
	// observe an event for data that is not durable.
	h.hub.Publish(actor.OrgID, hub.NewMessageEvent(eventPayload(message)))
	c.JSON(http.StatusCreated, h.renderMessage(message))
}

type replyRequest struct {
	Body     string        `json:"body"`
	Metadata chat.Metadata `json:"metadata,omitempty"`
}

func (h *httpHandler) handleReplyToThread(c *gin.Context) {
	var request replyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actor := h.actor(c)
	message, err := h.store.ReplyToThread(c.Request.Context(), actor, c.Param("id"), request.Body, request.Metadata)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.hub.Publish(actor.OrgID, hub.NewMessageEvent(eventPayload(message)))
	c.JSON(http.StatusCreated, h.renderMessage(message))
}

type editMessageRequest struct {
	Body            string `json:"body"`
	ExpectedVersion int64  `json:"expected_version"`
}

func (h *httpHandler) handleEditMessage(c *gin.Context) {
	var request editMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actor := h.actor(c)
	message, err := h.store.EditMessage(c.Request.Context(), actor, c.Param("id"), request.ExpectedVersion, request.Body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.hub.Publish(actor.OrgID, hub.MessageUpdatedEvent(eventPayload(message)))
	c.JSON(http.StatusOK, h.renderMessage(message))
}

func (h *httpHandler) handleGetThread(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	thread, err := h.store.GetThread(c.Request.Context(), h.actor(c), c.Param("id"), c.Query("cursor"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	replies := make([]messagePayload, 0, len(thread.Replies))
	for _, reply := range thread.Replies {
		replies = append(replies, h.renderMessage(reply))
	}
	c.JSON(http.StatusOK, gin.H{
		"root":        h.renderMessage(thread.Root),
		"replies":     replies,
		"next_cursor": thread.NextCursor,
	})
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (h *httpHandler) handleAddReaction(c *gin.Context) {
	var request reactionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	actor := h.actor(c)
	reaction, created, err := h.store.AddReaction(c.Request.Context(), actor, c.Param("id"), request.Emoji)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if created {
		h.hub.Publish(actor.OrgID, hub.ReactionEvent(reaction.MessageID, reaction.UserID, reaction.Emoji))
	}
	c.JSON(http.StatusCreated, gin.H{
		"message_id":   reaction.MessageID,
		"user_id":      reaction.UserID,
		"emoji":        reaction.Emoji,
		"created_at_s": reaction.CreatedAtSeconds,
	})
}

func (h *httpHandler) handleRemoveReaction(c *gin.Context) {
	var request reactionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.store.RemoveReaction(c.Request.Context(), h.actor(c), c.Param("id"), request.Emoji); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListReactions(c *gin.Context) {
	reactions, err := h.store.ListReactions(c.Request.Context(), h.actor(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]gin.H, 0, len(reactions))
	for _, reaction := range reactions {
		payload = append(payload, gin.H{
			"message_id":   reaction.MessageID,
			"user_id":      reaction.UserID,
			"emoji":        reaction.Emoji,
			"created_at_s": reaction.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"reactions": payload})
}

type createChannelRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *httpHandler) handleCreateChannel(c *gin.Context) {
	var request createChannelRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	channel, err := h.store.CreateChannel(c.Request.Context(), h.actor(c), request.Name, request.Description)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, renderChannel(channel))
}

func (h *httpHandler) handleListChannels(c *gin.Context) {
	channels, err := h.store.ListChannels(c.Request.Context(), h.actor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]gin.H, 0, len(channels))
	for _, channel := range channels {
		payload = append(payload, renderChannel(channel))
	}
	c.JSON(http.StatusOK, gin.H{"channels": payload})
}

func renderChannel(channel chat.Channel) gin.H {
	return gin.H{
		"id":           channel.ID,
		"name":         channel.Name,
		"description":  channel.Description,
		"created_by":   channel.CreatedBy,
		"created_at_s": channel.CreatedAtSeconds,
	}
}

type markReadRequest struct {
	ReadAtSeconds int64 `json:"read_at_s"`
}

func (h *httpHandler) handleMarkChannelRead(c *gin.Context) {
	var request markReadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	readAt := time.Now().UTC()
	if request.ReadAtSeconds > 0 {
		readAt = time.Unix(request.ReadAtSeconds, 0).UTC()
	}
	err := h.presence.MarkChannelRead(c.Request.Context(), h.actor(c), c.Param("id"), readAt)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	count, err := h.presence.UnreadCount(c.Request.Context(), h.actor(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": c.Param("id"), "count": count})
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	actor := h.actor(c)
	scope := search.Scope{OrgID: actor.OrgID}
	if raw := c.Query("scope"); raw != "" {
		switch {
		case strings.HasPrefix(raw, "channel:"):
			scope.ChannelID = strings.TrimPrefix(raw, "channel:")
		case strings.HasPrefix(raw, "thread:"):
			scope.ThreadID = strings.TrimPrefix(raw, "thread:")
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
			return
		}
	}
	filters := search.Filters{UserID: c.Query("author")}
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		filters.SinceSeconds = parsed
	}
	if raw := c.Query("until"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_until"})
			return
		}
		filters.UntilSeconds = parsed
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	hits, err := h.search.Search(c.Request.Context(), c.Query("q"), scope, filters, limit)
	if err != nil {
		if errors.Is(err, search.ErrEmptyQuery) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty_query"})
			return
		}
		h.respondError(c, err)
		return
	}
	payload := make([]gin.H, 0, len(hits))
	for _, hit := range hits {
		payload = append(payload, gin.H{
			"message_id":   hit.MessageID,
			"channel_id":   hit.ChannelID,
			"thread_id":    hit.ThreadID,
			"user_id":      hit.UserID,
			"text":         hit.IndexedText,
			"score":        hit.Score,
			"created_at_s": hit.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"hits": payload})
}

func (h *httpHandler) handleListAudit(c *gin.Context) {
	actor := h.actor(c)
	targetType := c.Query("target_type")
	targetID := c.Query("target_id")
	if targetType == "" || targetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_type and target_id required"})
		return
	}
	records, err := h.audit.ListByTarget(c.Request.Context(), h.db, actor.OrgID, targetType, targetID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]gin.H, 0, len(records))
	for _, record := range records {
		payload = append(payload, gin.H{
			"id":            record.ID,
			"actor_id":      record.ActorID,
			"action":        string(record.Action),
			"target_type":   record.TargetType,
			"target_id":     record.TargetID,
			"old_value":     record.OldValueJSON,
			"new_value":     record.NewValueJSON,
			"recorded_at_s": record.RecordedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"records": payload})
}

func (h *httpHandler) handlePresenceSnapshot(c *gin.Context) {
	actor := h.actor(c)
	c.JSON(http.StatusOK, gin.H{"presence": h.presence.Snapshot(actor.OrgID)})
}

func (h *httpHandler) handleTyping(c *gin.Context) {
	actor := h.actor(c)
	h.presence.NotifyTyping(actor.OrgID, actor.UserID)
	c.Status(http.StatusAccepted)
}
