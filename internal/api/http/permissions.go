package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/emllm/port/internal/domain/permission"
	"github.com/emllm/port/internal/shared/paths"
	"github.com/emllm/port/internal/shared/types"
)

const defaultAuditLimit = 100

// grantRequest is a host-initiated grant
type grantRequest struct {
	Permission string `json:"permission"`
	Resource   string `json:"resource"`
	Temporary  bool   `json:"temporary"`
	DurationMs int64  `json:"durationMs"`
	Reason     string `json:"reason"`
}

// ListPending lists consent requests waiting for the user
func (h *Handlers) ListPending(c *gin.Context) {
	pending := h.permissions.Pending()
	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"count":   len(pending),
	})
}

// PermissionEvents streams permission events to the consent UI
func (h *Handlers) PermissionEvents(c *gin.Context) {
	events, cancel := h.permissions.Subscribe(h.opts.EventBuffer)
	defer cancel()

	stream(c, events, h.opts.Heartbeat,
		func(e permission.Event) string { return string(e.Type) },
		gin.H{"pending": h.permissions.Pending()},
	)
}

// Catalog lists the capability templates
func (h *Handlers) Catalog(c *gin.Context) {
	templates := h.permissions.Catalog().List()
	c.JSON(http.StatusOK, gin.H{
		"permissions": templates,
		"count":       len(templates),
	})
}

// RespondToRequest resolves a pending consent request
func (h *Handlers) RespondToRequest(c *gin.Context) {
	var resp permission.Response
	if err := c.ShouldBindJSON(&resp); err != nil {
		h.respondError(c, types.Errorf(types.CodeValidation, "invalid response body: %v", err))
		return
	}

	decision, err := h.permissions.RespondToPermissionRequest(c.Param("id"), resp)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("Consent request answered",
		zap.String("request_id", c.Param("id")),
		zap.Bool("granted", decision.Granted),
	)
	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

// GetAppPermissions returns an app's live grants and recent history
func (h *Handlers) GetAppPermissions(c *gin.Context) {
	appID, ok := h.appParam(c)
	if !ok {
		return
	}
	grants, err := h.permissions.ListGrants(appID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	history, err := h.permissions.History(appID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"appId":   appID,
		"granted": grants,
		"history": history,
	})
}

// GrantPermission grants a capability on behalf of the host
func (h *Handlers) GrantPermission(c *gin.Context) {
	appID, ok := h.appParam(c)
	if !ok {
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, types.Errorf(types.CodeValidation, "invalid grant body: %v", err))
		return
	}
	if req.Permission == "" {
		h.respondError(c, types.NewError(types.CodeValidation, "permission is required"))
		return
	}

	opts := permission.GrantOptions{Temporary: req.Temporary, Reason: req.Reason}
	if req.DurationMs > 0 {
		expires := time.Now().Add(time.Duration(req.DurationMs) * time.Millisecond)
		opts.Temporary = true
		opts.ExpiresAt = &expires
	}

	grant, err := h.permissions.GrantPermission(appID, req.Permission, req.Resource, opts)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"grant": grant})
}

// RevokeAllPermissions revokes every grant an app holds
func (h *Handlers) RevokeAllPermissions(c *gin.Context) {
	appID, ok := h.appParam(c)
	if !ok {
		return
	}
	n, err := h.permissions.RevokeAllPermissions(appID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appId": appID, "revoked": n})
}

// RevokePermission revokes one grant; ?resource= selects a scoped grant
func (h *Handlers) RevokePermission(c *gin.Context) {
	appID, ok := h.appParam(c)
	if !ok {
		return
	}
	perm, resource := c.Param("permission"), c.Query("resource")
	if err := h.permissions.RevokePermission(appID, perm, resource); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"appId":   appID,
		"key":     permission.Key(perm, resource),
		"revoked": true,
	})
}

// Audit returns the newest audit entries for an app
func (h *Handlers) Audit(c *gin.Context) {
	appID, ok := h.appParam(c)
	if !ok {
		return
	}
	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.respondError(c, types.NewError(types.CodeValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := h.permissions.Audit(appID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"appId":   appID,
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *Handlers) appParam(c *gin.Context) (string, bool) {
	appID := c.Param("appId")
	if err := paths.ValidateAppID(appID); err != nil {
		h.respondError(c, types.NewError(types.CodeValidation, err.Error()).WithDetail("appId", appID))
		return "", false
	}
	return appID, true
}
