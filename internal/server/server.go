// Package server exposes the registry over HTTP. Handlers resolve the
// acting account from an explicit header and pass actor and scope into the
// registry service; nothing reads implicit request-global state.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/masquerade-chat/masquerade/internal/database"
	"github.com/masquerade-chat/masquerade/internal/logger"
	"github.com/masquerade-chat/masquerade/internal/registry"
)

// actorHeader carries the acting account's ID. Session handling is out of
// scope; the header stands in for whatever authentication fronts this
// service.
const actorHeader = "X-Account-ID"

const actorKey = "actor"

// Server wires the registry service into a gin router.
type Server struct {
	logger   *slog.Logger
	store    database.Store
	registry *registry.Service
	engine   *gin.Engine
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(log *slog.Logger, store database.Store, svc *registry.Service) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		logger:   log.With("component", "server"),
		store:    store,
		registry: svc,
		engine:   gin.New(),
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(logger.Middleware(log))

	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group("/api/v1")
	api.Use(s.requireActor())
	{
		api.POST("/messages", s.handleSendMessage)
		api.GET("/channels/:id/puppets", s.handleListPuppets)
		api.GET("/channels/:id/puppet_handlers", s.handleHandlerAccounts)
		api.POST("/puppets/:id/handlers", s.handleAddHandler)
		api.POST("/bot_commands", s.handleRegisterCommand)
		api.GET("/bot_commands", s.handleListCommands)
		api.DELETE("/bot_commands/:id", s.handleDeleteCommand)
		api.POST("/agents/register", s.handleRegisterAgent)
		api.POST("/agents/claim", s.handleClaimAgent)
	}

	return s
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// requireActor resolves the acting account from the X-Account-ID header.
func (s *Server) requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(actorHeader)
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid " + actorHeader + " header"})
			return
		}
		account, err := s.store.GetAccount(c.Request.Context(), id)
		if err != nil {
			s.logger.ErrorContext(c.Request.Context(), "Failed to resolve actor", "account_id", id, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
			return
		}
		if account == nil || !account.IsActive {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unknown or deactivated account"})
			return
		}
		c.Set(actorKey, account)
		c.Next()
	}
}

func actorFrom(c *gin.Context) *database.Account {
	return c.MustGet(actorKey).(*database.Account)
}

// writeError maps registry error kinds to HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "Internal error"

	switch {
	case errors.Is(err, registry.ErrInvalidFormat),
		errors.Is(err, registry.ErrFeatureDisabled),
		errors.Is(err, registry.ErrLimitExceeded):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, registry.ErrPermissionDenied):
		status = http.StatusForbidden
		message = err.Error()
	case errors.Is(err, registry.ErrConflict):
		status = http.StatusConflict
		message = err.Error()
	}

	_ = c.Error(err)
	c.JSON(status, gin.H{"error": message})
}

// patchField distinguishes a missing JSON key, an explicit null, and a
// string value, so the registry sees the caller's intent rather than a
// guess inferred from emptiness.
type patchField struct {
	present bool
	null    bool
	value   string
}

func (p *patchField) UnmarshalJSON(data []byte) error {
	p.present = true
	if string(data) == "null" {
		p.null = true
		return nil
	}
	return json.Unmarshal(data, &p.value)
}

func (p patchField) toPatch() database.Patch {
	switch {
	case !p.present:
		return database.KeepField()
	case p.null:
		return database.ClearField()
	default:
		return database.SetField(p.value)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type sendMessageRequest struct {
	ChannelID         int64      `json:"channel_id" binding:"required"`
	Content           string     `json:"content"    binding:"required"`
	PuppetDisplayName string     `json:"puppet_display_name"`
	PuppetAvatarURL   patchField `json:"puppet_avatar_url"`
	PuppetColor       patchField `json:"puppet_color"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	actor := actorFrom(c)
	message, err := s.registry.SendMessage(c.Request.Context(), req.ChannelID, actor.ID,
		req.Content, req.PuppetDisplayName, req.PuppetAvatarURL.toPatch(), req.PuppetColor.toPatch())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": message.ID})
}

type puppetResponse struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	AvatarURL *string `json:"avatar_url"`
	Color     *string `json:"color"`
}

func toPuppetResponse(p database.Puppet) puppetResponse {
	resp := puppetResponse{ID: p.ID, Name: p.Name}
	if p.AvatarURL.Valid {
		resp.AvatarURL = &p.AvatarURL.String
	}
	if p.Color.Valid {
		resp.Color = &p.Color.String
	}
	return resp
}

func (s *Server) handleListPuppets(c *gin.Context) {
	channelID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || channelID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid channel id"})
		return
	}

	puppets, err := s.registry.ListPuppets(c.Request.Context(), channelID)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]puppetResponse, 0, len(puppets))
	for _, p := range puppets {
		resp = append(resp, toPuppetResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"puppets": resp})
}

type addHandlerRequest struct {
	AccountID   int64  `json:"account_id"   binding:"required"`
	HandlerType string `json:"handler_type" binding:"required"`
}

func (s *Server) handleAddHandler(c *gin.Context) {
	puppetID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || puppetID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid puppet id"})
		return
	}

	var req addHandlerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	if err := s.registry.AddHandler(c.Request.Context(), puppetID, req.AccountID, req.HandlerType); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

func (s *Server) handleHandlerAccounts(c *gin.Context) {
	channelID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || channelID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid channel id"})
		return
	}

	rawIDs := strings.Split(c.Query("ids"), ",")
	puppetIDs := make([]int64, 0, len(rawIDs))
	for _, raw := range rawIDs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid puppet id: " + raw})
			return
		}
		puppetIDs = append(puppetIDs, id)
	}

	ids, err := s.registry.HandlerAccountIDs(c.Request.Context(), channelID, puppetIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"account_ids": ids})
}

type registerCommandRequest struct {
	Name        string                   `json:"name" binding:"required"`
	Description string                   `json:"description"`
	Options     []database.CommandOption `json:"options"`
}

type commandResponse struct {
	ID          int64                    `json:"id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	BotID       int64                    `json:"bot_id"`
	Options     []database.CommandOption `json:"options"`
}

func toCommandResponse(cmd *database.BotCommand) (commandResponse, error) {
	opts, err := cmd.Options()
	if err != nil {
		return commandResponse{}, err
	}
	if opts == nil {
		opts = []database.CommandOption{}
	}
	return commandResponse{
		ID:          cmd.ID,
		Name:        cmd.Name,
		Description: cmd.Description,
		BotID:       cmd.BotID,
		Options:     opts,
	}, nil
}

func (s *Server) handleRegisterCommand(c *gin.Context) {
	var req registerCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	actor := actorFrom(c)
	command, created, err := s.registry.RegisterCommand(c.Request.Context(),
		actor.OrgID, req.Name, req.Description, req.Options, actor.ID)
	if err != nil {
		writeError(c, err)
		return
	}

	resp, err := toCommandResponse(command)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      resp.ID,
		"name":    resp.Name,
		"created": created,
	})
}

func (s *Server) handleListCommands(c *gin.Context) {
	actor := actorFrom(c)
	commands, err := s.registry.ListCommands(c.Request.Context(), actor.OrgID)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]commandResponse, 0, len(commands))
	for i := range commands {
		cr, err := toCommandResponse(&commands[i])
		if err != nil {
			writeError(c, err)
			return
		}
		resp = append(resp, cr)
	}
	c.JSON(http.StatusOK, gin.H{"commands": resp})
}

func (s *Server) handleDeleteCommand(c *gin.Context) {
	commandID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || commandID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid command id"})
		return
	}

	actor := actorFrom(c)
	if err := s.registry.DeleteCommand(c.Request.Context(), commandID, actor.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	actor := actorFrom(c)
	claim, err := s.registry.RegisterAgent(c.Request.Context(), actor.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"claim_token":       claim.ClaimToken,
		"verification_code": claim.VerificationCode,
	})
}

type claimAgentRequest struct {
	ClaimToken string `json:"claim_token" binding:"required"`
	PostURL    string `json:"post_url"    binding:"required"`
}

func (s *Server) handleClaimAgent(c *gin.Context) {
	var req claimAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	claim, err := s.registry.ClaimAgent(c.Request.Context(), req.ClaimToken, req.PostURL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": claim.AccountID,
		"claimed":    claim.Claimed,
	})
}
