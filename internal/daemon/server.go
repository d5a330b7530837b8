package daemon

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"convo/internal/apperr"
	"convo/internal/bus"
	"convo/internal/cache"
	"convo/internal/repository"
	"convo/internal/status"
	"convo/internal/transport"
)

// Server is the local HTTP control surface of a profile daemon. It binds to
// loopback only; there is no auth on top of that.
type Server struct {
	httpServer *http.Server
	repo       *repository.Repository
	machine    *status.Machine
	bus        *bus.Bus
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

// NewServer creates the HTTP server bound to the configured listen address.
func NewServer(p Params, logger *zap.Logger, repo *repository.Repository, machine *status.Machine, b *bus.Bus) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		repo:    repo,
		machine: machine,
		bus:     b,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.httpServer = &http.Server{
		Addr:    listenAddr(p),
		Handler: s.Routes(),
	}
	return s
}

func listenAddr(p Params) string {
	if p.Listen != "" {
		return p.Listen
	}
	return "127.0.0.1:7644"
}

// Routes builds the gin engine. Exposed separately so tests can drive the
// handlers through httptest without binding a port.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/events", s.handleEvents)

	v1.GET("/conversations", s.handleListConversations)
	v1.POST("/conversations", s.handleCreateConversation)
	v1.GET("/conversations/:sid", s.handleGetConversation)
	v1.GET("/conversations/:sid/messages", s.handleListMessages)
	v1.POST("/conversations/:sid/messages", s.handleSendMessage)
	v1.POST("/conversations/:sid/media", s.handleSendMedia)
	v1.POST("/conversations/:sid/messages/:uuid/retry", s.handleRetryMessage)
	v1.POST("/conversations/:sid/messages/:uuid/reactions", s.handleToggleReaction)
	v1.GET("/conversations/:sid/participants", s.handleListParticipants)
	v1.POST("/conversations/:sid/participants", s.handleAddParticipant)
	v1.DELETE("/conversations/:sid/participants/:identity", s.handleRemoveParticipant)
	v1.POST("/conversations/:sid/join", s.conversationAction(s.repo.JoinConversation))
	v1.POST("/conversations/:sid/leave", s.conversationAction(s.repo.LeaveConversation))
	v1.POST("/conversations/:sid/destroy", s.conversationAction(s.repo.DestroyConversation))
	v1.POST("/conversations/:sid/mute", s.conversationAction(s.repo.MuteConversation))
	v1.POST("/conversations/:sid/unmute", s.conversationAction(s.repo.UnmuteConversation))
	v1.POST("/conversations/:sid/rename", s.handleRename)
	v1.POST("/conversations/:sid/typing", s.handleTyping)
	v1.POST("/me/friendly-name", s.handleSetFriendlyName)

	return r
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":    s.machine.Current(),
		"identity": s.repo.Identity(),
	})
}

func (s *Server) handleListConversations(c *gin.Context) {
	convs, err := s.repo.Conversations()
	if err != nil {
		s.renderError(c, err)
		return
	}
	out := make([]gin.H, 0, len(convs))
	for i := range convs {
		out = append(out, conversationJSON(&convs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

func (s *Server) handleGetConversation(c *gin.Context) {
	conv, err := s.repo.Conversation(c.Param("sid"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	if conv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, conversationJSON(conv))
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	var req struct {
		FriendlyName string `json:"friendly_name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conv, err := s.repo.CreateConversation(c.Request.Context(), req.FriendlyName)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conversationJSON(conv))
}

func (s *Server) handleListMessages(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	msgs, err := s.repo.Messages(c.Param("sid"), limit)
	if err != nil {
		s.renderError(c, err)
		return
	}
	out := make([]gin.H, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageJSON(&msgs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req struct {
		Body string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.repo.SendTextMessage(c.Request.Context(), c.Param("sid"), req.Body)
	if err != nil {
		// The optimistic row exists even when delivery failed; report both.
		s.renderErrorWith(c, err, gin.H{"uuid": id})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"uuid": id})
}

func (s *Server) handleSendMedia(c *gin.Context) {
	var req struct {
		Body        string `json:"body"`
		Filename    string `json:"filename" binding:"required"`
		ContentType string `json:"content_type" binding:"required"`
		Size        int64  `json:"size" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	media := &transport.Media{
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Size:        req.Size,
	}
	id, err := s.repo.SendMediaMessage(c.Request.Context(), c.Param("sid"), req.Body, media)
	if err != nil {
		s.renderErrorWith(c, err, gin.H{"uuid": id})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"uuid": id})
}

func (s *Server) handleRetryMessage(c *gin.Context) {
	err := s.repo.RetrySendMessage(c.Request.Context(), c.Param("sid"), c.Param("uuid"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleToggleReaction(c *gin.Context) {
	var req struct {
		Kind string `json:"kind" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// :uuid holds the server message sid for reactions; only confirmed
	// messages can carry them.
	err := s.repo.ToggleReaction(c.Request.Context(), c.Param("sid"), c.Param("uuid"), req.Kind)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleListParticipants(c *gin.Context) {
	parts, err := s.repo.Participants(c.Param("sid"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	out := make([]gin.H, 0, len(parts))
	for i := range parts {
		out = append(out, participantJSON(&parts[i]))
	}
	c.JSON(http.StatusOK, gin.H{"participants": out})
}

func (s *Server) handleAddParticipant(c *gin.Context) {
	var req struct {
		Identity string `json:"identity" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.repo.AddParticipant(c.Request.Context(), c.Param("sid"), req.Identity); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRemoveParticipant(c *gin.Context) {
	if err := s.repo.RemoveParticipant(c.Request.Context(), c.Param("sid"), c.Param("identity")); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRename(c *gin.Context) {
	var req struct {
		FriendlyName string `json:"friendly_name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.repo.RenameConversation(c.Request.Context(), c.Param("sid"), req.FriendlyName); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleTyping(c *gin.Context) {
	var req struct {
		Typing bool `json:"typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.repo.SetTyping(c.Request.Context(), c.Param("sid"), req.Typing); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleSetFriendlyName(c *gin.Context) {
	var req struct {
		FriendlyName string `json:"friendly_name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.repo.SetMyFriendlyName(c.Request.Context(), req.FriendlyName); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleEvents streams bus events over a WebSocket. Every event gets a fresh
// envelope id so consumers can dedupe reconnect replays.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	events, unsubscribe := s.bus.Subscribe("", 64)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-events:
			envelope := gin.H{
				"event_id":            uuid.NewString(),
				"kind":                evt.Kind,
				"occurred_at_unix_ms": evt.Timestamp.UnixMilli(),
			}
			if err := conn.WriteJSON(envelope); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// conversationAction adapts the sid-only repository mutations to a handler.
func (s *Server) conversationAction(fn func(ctx context.Context, sid string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(c.Request.Context(), c.Param("sid")); err != nil {
			s.renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func (s *Server) renderError(c *gin.Context, err error) {
	s.renderErrorWith(c, err, gin.H{})
}

func (s *Server) renderErrorWith(c *gin.Context, err error, extra gin.H) {
	body := gin.H{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body["reason"] = ae.Reason
		body["code"] = ae.Code
		httpStatus := http.StatusBadGateway
		if ae.Reason == apperr.ReasonTokenAccessDenied {
			httpStatus = http.StatusUnauthorized
		}
		c.JSON(httpStatus, body)
		return
	}
	c.JSON(http.StatusInternalServerError, body)
}

func conversationJSON(conv *cache.Conversation) gin.H {
	return gin.H{
		"sid":                  conv.Sid,
		"friendly_name":        conv.FriendlyName,
		"unique_name":          conv.UniqueName,
		"last_message_body":    conv.LastMessageBody,
		"last_message_status":  conv.LastMessageStatus,
		"last_message_at":      formatMillis(conv.LastMessageAt),
		"participants_count":   conv.ParticipantsCount,
		"messages_count":       conv.MessagesCount,
		"unread_count":         conv.UnreadCount,
		"participating_status": conv.ParticipatingStatus,
		"notification_level":   conv.NotificationLevel,
	}
}

func messageJSON(m *cache.Message) gin.H {
	out := gin.H{
		"sid":         m.Sid,
		"uuid":        m.UUID,
		"author":      m.Author,
		"body":        m.Body,
		"index":       m.Index,
		"created_at":  formatMillis(m.CreatedAt),
		"direction":   m.Direction,
		"send_status": m.SendStatus,
	}
	if m.ErrorCode != 0 {
		out["error_code"] = m.ErrorCode
	}
	if m.Media.Filename != "" || m.Media.Size > 0 {
		out["media"] = gin.H{
			"filename":     m.Media.Filename,
			"content_type": m.Media.ContentType,
			"size":         m.Media.Size,
		}
	}
	if attrs := cache.ParseMessageAttributes(m.Attributes); len(attrs.Reactions) > 0 {
		out["reactions"] = attrs.Reactions
	}
	return out
}

func participantJSON(p *cache.Participant) gin.H {
	return gin.H{
		"sid":           p.Sid,
		"identity":      p.Identity,
		"friendly_name": p.FriendlyName,
		"online":        p.Online,
		"typing":        p.Typing,
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
