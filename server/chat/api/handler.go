package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat_server/server/chat/domain"
	"chat_server/server/chat/service"
	commonauth "chat_server/server/common/auth"
	"chat_server/server/common/metrics"
	"chat_server/server/common/middleware"
	"chat_server/server/common/transport/httpresp"
)

const (
	RoleAdmin   = "admin"
	RoleService = "service"
)

type Handler struct {
	sessions  *service.SessionService
	messages  *service.MessageService
	readState *service.ReadStateService
	bridge    *service.StatusBridge
	gateway   *service.Gateway
	auth      *commonauth.Service
}

func NewHandler(sessions *service.SessionService, messages *service.MessageService, readState *service.ReadStateService, bridge *service.StatusBridge, gateway *service.Gateway, auth *commonauth.Service) *Handler {
	return &Handler{sessions: sessions, messages: messages, readState: readState, bridge: bridge, gateway: gateway, auth: auth}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/ws/chat", h.gateway.HandleWS)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.POST("/chats", h.createSession)
		api.GET("/chats", h.listSessions)
		api.GET("/chats/:id/messages", h.listMessages)
		api.POST("/chats/:id/messages", h.sendMessage)
		api.POST("/chats/:id/read", h.markRead)
		api.GET("/chats/:id/unread-count", h.unreadCount)

		internal := api.Group("")
		internal.Use(middleware.RequireRoles(RoleAdmin, RoleService))
		internal.POST("/donations/:id/status", h.applyDonationStatus)
	}
}

func (h *Handler) createSession(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	var req struct {
		DonationID    string `json:"donation_id" binding:"required"`
		CounterpartID string `json:"counterpart_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	sess, err := h.sessions.ResolveOrCreate(c.Request.Context(), req.DonationID, actorID, req.CounterpartID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	sess, messages, unread, err := h.sessions.History(c.Request.Context(), sess.ID, actorID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createSessionResponse{
		Session:     sess,
		Messages:    messages,
		UnreadCount: unread,
	})
}

func (h *Handler) listSessions(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	sessions, nextCursor, err := h.sessions.ListSessions(c.Request.Context(), actorID, limit, c.Query("cursor"))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionListResponse{Sessions: sessions, NextCursor: nextCursor})
}

func (h *Handler) listMessages(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	result, err := h.sessions.ListMessages(c.Request.Context(), c.Param("id"), actorID, page, limit)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, messagePageResponse{
		Messages:      result.Messages,
		HasMore:       result.HasMore,
		TotalMessages: result.Total,
		Page:          page,
		Limit:         limit,
	})
}

// sendMessage is the REST fallback for clients without a live connection.
// Realtime observers still receive the delivered event through the hub.
func (h *Handler) sendMessage(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	sessionID := c.Param("id")
	if _, err := h.sessions.Session(c.Request.Context(), sessionID, actorID); err != nil {
		writeDomainError(c, err)
		return
	}
	var req struct {
		Content       string `json:"content" binding:"required"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	msg, err := h.messages.Send(c.Request.Context(), service.SendInput{
		SessionID:     sessionID,
		SenderID:      actorID,
		Content:       req.Content,
		CorrelationID: req.CorrelationID,
		Source:        "rest",
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) markRead(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	changed, err := h.readState.MarkRead(c.Request.Context(), c.Param("id"), actorID, "")
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, markReadResponse{Changed: changed})
}

func (h *Handler) unreadCount(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	count, err := h.readState.UnreadCount(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, unreadCountResponse{UnreadCount: count})
}

// applyDonationStatus lets the catalog push a status change over HTTP when
// the broker path is unavailable. Same semantics as the consumed event.
func (h *Handler) applyDonationStatus(c *gin.Context) {
	var req struct {
		Status     domain.DonationStatus `json:"status" binding:"required"`
		ClaimantID string                `json:"claimant_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	err := h.bridge.Apply(c.Request.Context(), domain.StatusEvent{
		DonationID: c.Param("id"),
		Status:     req.Status,
		ClaimantID: req.ClaimantID,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func actorFromContext(c *gin.Context) (string, error) {
	raw, ok := c.Get("auth_user_id")
	if !ok {
		return "", errors.New("missing auth context")
	}
	userID, ok := raw.(string)
	if !ok || userID == "" {
		return "", errors.New("missing auth context")
	}
	return userID, nil
}

func writeDomainError(c *gin.Context, err error) {
	c.JSON(statusForError(err), httpresp.NewErrorResponse(err.Error()))
}

func statusForError(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindPrecondition:
		return http.StatusBadRequest
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindTerminalState:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}
