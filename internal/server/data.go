package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/talonscope/internal/auth"
	"github.com/vesaa/talonscope/internal/ingest"
	"github.com/vesaa/talonscope/internal/store"
)

// maxIngestBody bounds one ingest request.
const maxIngestBody = 2 << 20

const tokenHeader = "X-Monitoring-Token"

// ingestToken reads the server token from X-Monitoring-Token, falling back
// to a bearer Authorization header.
func ingestToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(tokenHeader)); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// POST /api/ingest/servers/:slug/metrics
func (a *API) handleIngest(c *gin.Context) {
	ctx := c.Request.Context()
	srv, err := a.Gateway.Authenticate(ctx, c.Param("slug"), ingestToken(c.Request))
	switch {
	case errors.Is(err, store.ErrNotFound):
		abort(c, http.StatusNotFound, "Unknown server.")
		return
	case errors.Is(err, ingest.ErrServerDisabled):
		abort(c, http.StatusForbidden, "Server is disabled.")
		return
	case errors.Is(err, ingest.ErrUnauthorized):
		abort(c, http.StatusUnauthorized, "Invalid ingest token.")
		return
	case err != nil:
		fail(c, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxIngestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abort(c, http.StatusRequestEntityTooLarge, "Payload too large.")
			return
		}
		abort(c, http.StatusBadRequest, "Invalid JSON payload.")
		return
	}

	snap, err := a.Gateway.Ingest(ctx, srv, body, sourceIP(c.Request, a.Config.TrustProxy))
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			abort(c, http.StatusBadRequest, verr.Msg)
			return
		}
		abort(c, http.StatusBadRequest, "Ingest processing failed.")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":     true,
		"server": gin.H{"id": srv.ID, "slug": srv.Slug, "name": srv.Name},
		"snapshot": gin.H{
			"id":                   snap.ID,
			"collected_at":         snap.CollectedAt,
			"bottleneck":           snap.Bottleneck,
			"cpu_usage_percent":    snap.CPUUsagePercent,
			"top_gpu_util_percent": snap.TopGPUUtilPercent,
			"disk_util_percent":    snap.DiskUtilPercent,
		},
	})
}

// POST /api/agent/enroll
func (a *API) handleEnroll(c *gin.Context) {
	var req ingest.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "Invalid JSON payload.")
		return
	}

	e, err := a.Gateway.Enroll(c.Request.Context(), req, sourceIP(c.Request, a.Config.TrustProxy))
	if err != nil {
		var verr *ingest.ValidationError
		switch {
		case errors.As(err, &verr):
			abort(c, http.StatusBadRequest, verr.Msg)
		case errors.Is(err, ingest.ErrUnauthorized):
			abort(c, http.StatusUnauthorized, "Invalid credentials.")
		case errors.Is(err, auth.ErrAccountDisabled):
			abort(c, http.StatusForbidden, "Account is disabled.")
		case errors.Is(err, auth.ErrNotAllowlisted):
			abort(c, http.StatusForbidden, "Account not in allowlist.")
		case errors.Is(err, ingest.ErrForbidden):
			abort(c, http.StatusForbidden, "Enrollment is not allowed.")
		default:
			fail(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"server_slug":  e.Server.Slug,
		"ingest_token": e.Token,
		"server":       newServerView(e.Server),
	})
}
