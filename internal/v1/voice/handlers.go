package voice

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	lkauth "github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/webhook"
	"go.uber.org/zap"

	"github.com/concord-im/concord/internal/v1/errs"
	"github.com/concord-im/concord/internal/v1/logging"
	"github.com/concord-im/concord/internal/v1/middleware"
	"github.com/concord-im/concord/internal/v1/types"
)

// Handlers is the voice HTTP surface.
type Handlers struct {
	co          *Coordinator
	keyProvider lkauth.KeyProvider
}

// NewHandlers builds the handler set. apiKey/apiSecret verify SFU webhook
// signatures.
func NewHandlers(co *Coordinator, apiKey, apiSecret string) *Handlers {
	return &Handlers{
		co:          co,
		keyProvider: lkauth.NewSimpleKeyProvider(apiKey, apiSecret),
	}
}

// RegisterRoutes mounts the authenticated voice API on api and the webhook
// receiver on root (the SFU authenticates by signature, not bearer token).
func (h *Handlers) RegisterRoutes(api gin.IRouter, root gin.IRouter) {
	rooms := api.Group("/voice/rooms")
	rooms.POST("", h.createRoom)
	rooms.GET("", h.listRooms)
	rooms.GET("/:id", h.getRoom)
	rooms.DELETE("/:id", middleware.RequireRole("admin"), h.deleteRoom)
	rooms.POST("/:id/join", h.joinRoom)
	rooms.POST("/:id/leave/:user_id", h.leaveRoom)
	rooms.GET("/:id/participants", h.listParticipants)
	rooms.PUT("/:id/participants/:user_id", h.updateParticipant)
	rooms.DELETE("/:id/participants/:user_id", middleware.RequireRole("admin"), h.kickParticipant)

	api.GET("/voice/ice-servers", h.iceServers)
	root.POST("/webhook/sfu", h.sfuWebhook)
}

func (h *Handlers) createRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errs.AbortWith(c, errs.Validation("invalid_body", "channel_id is required"))
		return
	}

	room, err := h.co.CreateRoom(c.Request.Context(), req)
	if err != nil {
		errs.AbortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *Handlers) listRooms(c *gin.Context) {
	activeOnly := c.Query("active_only") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	rooms, err := h.co.ListRooms(c.Request.Context(),
		types.GuildID(c.Query("guild_id")), activeOnly, limit)
	if err != nil {
		errs.AbortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *Handlers) getRoom(c *gin.Context) {
	room, err := h.co.GetRoom(c.Request.Context(), types.RoomKey(c.Param("id")))
	if err != nil {
		errs.AbortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handlers) deleteRoom(c *gin.Context) {
	if err := h.co.DeleteRoom(c.Request.Context(), types.RoomKey(c.Param("id"))); err != nil {
		errs.AbortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type joinRequest struct {
	UserID   types.UserID `json:"user_id"`
	Username string       `json:"username"`
	IsAdmin  bool         `json:"is_admin"`
}

func (h *Handlers) joinRoom(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	if claims == nil {
		errs.AbortWith(c, errs.Auth("missing_token", "authentication required"))
		return
	}

	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errs.AbortWith(c, errs.Validation("invalid_body", "malformed join request"))
		return
	}

	// Callers join as themselves; only admins may act on behalf of another
	// user or claim the admin grant.
	userID := types.UserID(claims.Subject)
	isAdmin := claims.HasRole("admin")
	if isAdmin && req.UserID != "" {
		userID = req.UserID
	}
	username := req.Username
	if username == "" {
		username = claims.Name
	}

	result, err := h.co.Join(c.Request.Context(), types.RoomKey(c.Param("id")),
		userID, username, isAdmin, claims.Roles)
	if err != nil {
		errs.AbortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) leaveRoom(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	if claims == nil {
		errs.AbortWith(c, errs.Auth("missing_token", "authentication required"))
		return
	}

	target := types.UserID(c.Param("user_id"))
	if string(target) != claims.Subject && !claims.HasRole("admin") {
		errs.AbortWith(c, errs.Auth("forbidden", "cannot remove another user"))
		return
	}

	if err := h.co.Leave(c.Request.Context(), types.RoomKey(c.Param("id")), target); err != nil {
		errs.AbortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) listParticipants(c *gin.Context) {
	participants, err := h.co.Participants(c.Request.Context(), types.RoomKey(c.Param("id")))
	if err != nil {
		errs.AbortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants})
}

func (h *Handlers) updateParticipant(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	if claims == nil {
		errs.AbortWith(c, errs.Auth("missing_token", "authentication required"))
		return
	}

	target := types.UserID(c.Param("user_id"))
	if string(target) != claims.Subject && !claims.HasRole("admin") {
		errs.AbortWith(c, errs.Auth("forbidden", "cannot mutate another participant"))
		return
	}

	var patch ParticipantPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		errs.AbortWith(c, errs.Validation("invalid_body", "malformed participant patch"))
		return
	}

	p, err := h.co.UpdateParticipant(c.Request.Context(), types.RoomKey(c.Param("id")), target, patch)
	if err != nil {
		errs.AbortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handlers) kickParticipant(c *gin.Context) {
	err := h.co.Kick(c.Request.Context(), types.RoomKey(c.Param("id")),
		types.UserID(c.Param("user_id")))
	if err != nil {
		errs.AbortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) iceServers(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	if claims == nil {
		errs.AbortWith(c, errs.Auth("missing_token", "authentication required"))
		return
	}

	stun, turn := ICEServers(h.co.turn, types.UserID(claims.Subject))
	c.JSON(http.StatusOK, gin.H{
		"ice_servers":  stun,
		"turn_servers": turn,
	})
}

// sfuWebhook verifies the SFU signature and applies the event. Bad or
// missing signatures are rejected before any body processing.
func (h *Handlers) sfuWebhook(c *gin.Context) {
	ev, err := webhook.ReceiveWebhookEvent(c.Request, h.keyProvider)
	if err != nil {
		logging.Warn(c.Request.Context(), "Rejected unsigned SFU webhook", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "invalid webhook signature", "code": "invalid_signature",
		})
		return
	}

	if err := h.co.HandleWebhookEvent(c.Request.Context(), ev); err != nil {
		errs.AbortWith(c, err)
		return
	}
	c.Status(http.StatusOK)
}
