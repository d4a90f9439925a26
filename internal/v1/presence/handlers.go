package presence

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/concord-im/concord/internal/v1/errs"
	"github.com/concord-im/concord/internal/v1/middleware"
	"github.com/concord-im/concord/internal/v1/types"
)

// RegisterRoutes mounts the presence HTTP surface. All routes require a
// verified token; the caller is the observer for masking purposes.
func (c *Coordinator) RegisterRoutes(r gin.IRouter) {
	r.GET("/presence/:user_id", c.handleGet)
	r.POST("/presence/update", c.handleUpdate)
	r.POST("/presence/bulk", c.handleBulk)
	r.GET("/presence/guild/:guild_id", c.handleGuild)
}

func observerFrom(c *gin.Context) (types.UserID, bool) {
	claims := middleware.ClaimsFrom(c)
	if claims == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "authentication required", "code": "missing_token",
		})
		return "", false
	}
	return types.UserID(claims.Subject), true
}

func (co *Coordinator) handleGet(c *gin.Context) {
	observer, ok := observerFrom(c)
	if !ok {
		return
	}

	rec, err := co.Get(c.Request.Context(), types.UserID(c.Param("user_id")), observer)
	if err != nil {
		errs.AbortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type updateRequest struct {
	Status   string `json:"status" binding:"required"`
	Activity string `json:"activity"`
}

func (co *Coordinator) handleUpdate(c *gin.Context) {
	observer, ok := observerFrom(c)
	if !ok {
		return
	}

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errs.AbortWith(c, errs.Validation("invalid_body", "status is required"))
		return
	}

	if err := co.SetStatus(c.Request.Context(), observer, req.Status, req.Activity); err != nil {
		errs.AbortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type bulkRequest struct {
	UserIDs []types.UserID `json:"user_ids" binding:"required"`
}

// bulkLimit bounds a single bulk lookup.
const bulkLimit = 100

func (co *Coordinator) handleBulk(c *gin.Context) {
	observer, ok := observerFrom(c)
	if !ok {
		return
	}

	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.UserIDs) == 0 {
		errs.AbortWith(c, errs.Validation("invalid_body", "user_ids is required"))
		return
	}
	if len(req.UserIDs) > bulkLimit {
		errs.AbortWith(c, errs.Validation("too_many_ids", "at most 100 user_ids per request"))
		return
	}

	recs, err := co.GetBulk(c.Request.Context(), req.UserIDs, observer)
	if err != nil {
		errs.AbortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presences": recs})
}

func (co *Coordinator) handleGuild(c *gin.Context) {
	observer, ok := observerFrom(c)
	if !ok {
		return
	}

	recs, err := co.GuildOnline(c.Request.Context(), types.GuildID(c.Param("guild_id")), observer)
	if err != nil {
		errs.AbortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presences": recs})
}
