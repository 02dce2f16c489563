// Package server wires talonscope's two HTTP planes. The data plane takes
// agent enrollment and metric ingest; the control plane serves the JWT
// protected operator API, Prometheus metrics and the live snapshot stream.
package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/talonscope/internal/auth"
	"github.com/vesaa/talonscope/internal/config"
	"github.com/vesaa/talonscope/internal/ingest"
	"github.com/vesaa/talonscope/internal/live"
	"github.com/vesaa/talonscope/internal/models"
	"github.com/vesaa/talonscope/internal/store"
	"github.com/vesaa/talonscope/internal/telemetry"
	"gorm.io/gorm"
)

// Options holds the collaborators of an API. Metrics and Hub are optional.
type Options struct {
	Config        *config.Config
	DB            *gorm.DB
	Registry      *store.Registry
	Snapshots     *store.SnapshotStore
	Notifications *store.Notifications
	Gateway       *ingest.Gateway
	Auth          *auth.Service
	JWT           *JWT
	Metrics       *telemetry.Metrics
	Hub           *live.Hub
	Logger        *slog.Logger
}

// API builds the gin engines for both planes.
type API struct {
	Options
	log *slog.Logger
	now func() time.Time
}

// New returns an API over opts.
func New(opts Options) *API {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &API{Options: opts, log: log.With("component", "http"), now: time.Now}
}

func (a *API) engine(plane string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(a.log, plane, healthSkip))
	if a.Metrics != nil {
		r.Use(a.Metrics.Middleware(plane))
	}
	r.GET("/healthz", a.handleHealth)
	return r
}

// ── Data plane (agents) ──────────────────────────────────────────────────────

// DataHandler returns the agent-facing router.
func (a *API) DataHandler() http.Handler {
	r := a.engine("data")
	limits := a.Config.RateLimits

	enroll := RateLimit("enroll", limits.Enroll.Requests, limits.Enroll.Window, a.Config.TrustProxy)
	r.POST("/api/agent/enroll", enroll, a.handleEnroll)
	r.POST("/api/agent/enroll/", enroll, a.handleEnroll)

	r.POST("/api/ingest/servers/:slug/metrics", a.handleIngest)
	r.POST("/api/ingest/servers/:slug/metrics/", a.handleIngest)
	return r
}

// ── Control plane (operators) ────────────────────────────────────────────────

// ControlHandler returns the operator-facing router.
func (a *API) ControlHandler() http.Handler {
	r := a.engine("control")
	r.Use(cors)
	limits := a.Config.RateLimits

	r.POST("/api/auth/login",
		RateLimit("login", limits.Login.Requests, limits.Login.Window, a.Config.TrustProxy),
		a.handleLogin)

	if a.Metrics != nil {
		r.GET("/metrics", gin.WrapH(a.Metrics.Handler()))
	}
	if a.Hub != nil {
		r.GET("/api/metrics/stream", a.JWT.Middleware(true), gin.WrapH(a.Hub))
	}

	api := r.Group("/api", a.JWT.Middleware(false))
	{
		api.GET("/servers", a.handleListServers)
		api.POST("/servers",
			RateLimit("register", limits.Register.Requests, limits.Register.Window, a.Config.TrustProxy),
			a.handleRegister)
		api.GET("/servers/:slug/latest", a.handleLatest)
		api.GET("/servers/:slug/history", a.handleHistory)
		api.POST("/servers/:slug/rotate", a.handleRotate)
		api.POST("/servers/:slug/enable", a.handleSetActive(true))
		api.POST("/servers/:slug/disable", a.handleSetActive(false))
		api.DELETE("/servers/:slug", a.handleDelete)

		api.GET("/notifications", a.handleListNotifications)
		api.POST("/notifications/read", a.handleMarkRead)
	}
	return r
}

func cors(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
	c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

func (a *API) handleHealth(c *gin.Context) {
	if err := store.Ping(c.Request.Context(), a.DB); err != nil {
		logFrom(c).Error("health check failed", "err", err)
		abort(c, http.StatusServiceUnavailable, "Database unavailable.")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ── Views ────────────────────────────────────────────────────────────────────

type serverView struct {
	ID               uint             `json:"id"`
	Slug             string           `json:"slug"`
	Name             string           `json:"name"`
	Hostname         string           `json:"hostname"`
	Description      string           `json:"description"`
	IsActive         bool             `json:"is_active"`
	LastSeenAt       *time.Time       `json:"last_seen_at"`
	LastIP           string           `json:"last_ip"`
	LastAgentVersion string           `json:"last_agent_version"`
	PlatformInfo     string           `json:"platform_info"`
	AgentUser        string           `json:"agent_user"`
	AgentInfo        models.AgentInfo `json:"agent_info"`
	TokenHint        string           `json:"token_hint"`
	SnapshotCount    *int64           `json:"snapshot_count,omitempty"`
	LatestSnapshotAt *time.Time       `json:"latest_snapshot_at,omitempty"`
}

func newServerView(s *models.MonitoredServer) serverView {
	info := s.AgentInfo
	if info == nil {
		info = models.AgentInfo{}
	}
	return serverView{
		ID:               s.ID,
		Slug:             s.Slug,
		Name:             s.Name,
		Hostname:         s.Hostname,
		Description:      s.Description,
		IsActive:         s.IsActive,
		LastSeenAt:       s.LastSeenAt,
		LastIP:           s.LastIP,
		LastAgentVersion: s.LastAgentVersion,
		PlatformInfo:     s.PlatformInfo,
		AgentUser:        s.AgentUser,
		AgentInfo:        info,
		TokenHint:        s.TokenHint(),
	}
}

func summaryView(s models.ServerSummary) serverView {
	v := newServerView(&s.MonitoredServer)
	count := s.SnapshotCount
	v.SnapshotCount = &count
	v.LatestSnapshotAt = s.LatestSnapshotAt
	return v
}

// dataPlaneURL guesses the address agents should report to, based on the
// host the operator used to reach the control plane.
func (a *API) dataPlaneURL(c *gin.Context) string {
	host := a.Config.ServerHost
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = c.Request.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	scheme := "http"
	if a.Config.TrustProxy && c.GetHeader("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(a.Config.DataPort))
}
