package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/talonscope/internal/auth"
	"github.com/vesaa/talonscope/internal/models"
	"github.com/vesaa/talonscope/internal/store"
)

// POST /api/auth/login
func (a *API) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Username) == "" || body.Password == "" {
		abort(c, http.StatusBadRequest, "Username and password are required.")
		return
	}

	acc, err := a.Auth.Login(strings.TrimSpace(body.Username), body.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		logFrom(c).Info("login failed", "username", body.Username)
		abort(c, http.StatusUnauthorized, "Invalid username or password.")
		return
	case errors.Is(err, auth.ErrAccountDisabled):
		abort(c, http.StatusForbidden, "This account is disabled.")
		return
	case err != nil:
		fail(c, err)
		return
	}

	token, exp, err := a.JWT.Generate(acc.Username, acc.Email)
	if err != nil {
		fail(c, fmt.Errorf("sign token: %w", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"token":      token,
		"expires_at": exp.UTC(),
		"username":   acc.Username,
	})
}

// GET /api/servers[?active=1]
func (a *API) handleListServers(c *gin.Context) {
	list, err := a.Registry.List(c.Request.Context(), truthy(c.Query("active")))
	if err != nil {
		fail(c, err)
		return
	}
	views := make([]serverView, 0, len(list))
	for _, s := range list {
		views = append(views, summaryView(s))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "servers": views})
}

// POST /api/servers
func (a *API) handleRegister(c *gin.Context) {
	var body struct {
		Name        string `json:"name"`
		Slug        string `json:"slug"`
		Hostname    string `json:"hostname"`
		Description string `json:"description"`
		IsActive    *bool  `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, "Invalid JSON payload.")
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		abort(c, http.StatusBadRequest, "Name is required.")
		return
	}

	srv, token, err := a.Registry.Register(c.Request.Context(), store.RegisterParams{
		Slug:        body.Slug,
		Name:        body.Name,
		Hostname:    body.Hostname,
		Description: body.Description,
		Inactive:    body.IsActive != nil && !*body.IsActive,
	})
	switch {
	case errors.Is(err, store.ErrInvalid):
		abort(c, http.StatusBadRequest, "Slug could not be derived from name.")
		return
	case errors.Is(err, store.ErrConflict):
		abort(c, http.StatusConflict, "Slug already exists. Choose another.")
		return
	case err != nil:
		fail(c, err)
		return
	}

	logFrom(c).Info("server registered", "slug", srv.Slug, "by", c.GetString("username"))
	c.JSON(http.StatusCreated, gin.H{
		"ok":            true,
		"server":        newServerView(srv),
		"ingest_token":  token,
		"agent_command": agentCommand(a.dataPlaneURL(c), srv.Slug, token),
	})
}

func agentCommand(serverURL, slug, token string) string {
	return fmt.Sprintf("talonscope agent --server-url %s --slug %s --token %s", serverURL, slug, token)
}

// POST /api/servers/:slug/rotate
func (a *API) handleRotate(c *gin.Context) {
	srv, token, err := a.Registry.RotateToken(c.Request.Context(), c.Param("slug"))
	if err != nil {
		fail(c, err)
		return
	}
	logFrom(c).Info("ingest token rotated", "slug", srv.Slug, "by", c.GetString("username"))
	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"server":        newServerView(srv),
		"ingest_token":  token,
		"agent_command": agentCommand(a.dataPlaneURL(c), srv.Slug, token),
	})
}

// POST /api/servers/:slug/enable|disable
func (a *API) handleSetActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		srv, err := a.Registry.SetActive(c.Request.Context(), c.Param("slug"), active)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "server": newServerView(srv)})
	}
}

// DELETE /api/servers/:slug
func (a *API) handleDelete(c *gin.Context) {
	slug := c.Param("slug")
	if err := a.Registry.Delete(c.Request.Context(), slug); err != nil {
		fail(c, err)
		return
	}
	logFrom(c).Info("server deleted", "slug", slug, "by", c.GetString("username"))
	c.JSON(http.StatusOK, gin.H{"ok": true, "deleted": slug})
}

// GET /api/servers/:slug/latest
func (a *API) handleLatest(c *gin.Context) {
	ctx := c.Request.Context()
	srv, err := a.Registry.GetBySlug(ctx, c.Param("slug"))
	if err != nil {
		fail(c, err)
		return
	}
	snap, err := a.Snapshots.Latest(ctx, srv.ID)
	if errors.Is(err, store.ErrNotFound) {
		abort(c, http.StatusNotFound, "No snapshots collected yet.")
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "server": newServerView(srv), "snapshot": snap})
}

// GET /api/servers/:slug/history?minutes=N
func (a *API) handleHistory(c *gin.Context) {
	ctx := c.Request.Context()
	srv, err := a.Registry.GetBySlug(ctx, c.Param("slug"))
	if err != nil {
		fail(c, err)
		return
	}

	minutes := historyMinutes(c.Query("minutes"), a.Config.HistoryDefaultMinutes, a.Config.HistoryMaxMinutes)
	since := a.now().Add(-time.Duration(minutes) * time.Minute)
	h, err := a.Snapshots.History(ctx, srv.ID, since, a.Config.HistoryMaxPoints)
	if err != nil {
		fail(c, err)
		return
	}
	points := h.Points
	if points == nil {
		points = []models.MetricSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"server":      newServerView(srv),
		"minutes":     minutes,
		"point_count": len(points),
		"stride":      h.Stride,
		"points":      points,
	})
}

// historyMinutes parses raw, falling back to def when it is not an integer
// and clamping it to [1, max].
func historyMinutes(raw string, def, max int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		n = def
	}
	if n < 1 {
		n = 1
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}

// GET /api/notifications[?unread=1&limit=N]
func (a *API) handleListNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	notes, err := a.Notifications.List(c.Request.Context(), truthy(c.Query("unread")), limit)
	if err != nil {
		fail(c, err)
		return
	}
	if notes == nil {
		notes = []models.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "notifications": notes})
}

// POST /api/notifications/read
func (a *API) handleMarkRead(c *gin.Context) {
	var body struct {
		IDs []uint `json:"ids"`
		All bool   `json:"all"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, "ids must be a list.")
		return
	}
	n, err := a.Notifications.MarkRead(c.Request.Context(), body.IDs, body.All)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "updated": n})
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
