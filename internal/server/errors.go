package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/talonscope/internal/ingest"
	"github.com/vesaa/talonscope/internal/store"
)

const loggerKey = "logger"

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"ok": false, "error": msg})
}

func logFrom(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(*slog.Logger); ok {
			return l
		}
	}
	return slog.Default()
}

// fail writes the error response for err. Unknown errors are logged and
// reported as 500 without detail.
func fail(c *gin.Context, err error) {
	var verr *ingest.ValidationError
	switch {
	case errors.As(err, &verr):
		abort(c, http.StatusBadRequest, verr.Msg)
	case errors.Is(err, store.ErrInvalid):
		abort(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		abort(c, http.StatusNotFound, "Not found.")
	case errors.Is(err, store.ErrConflict):
		abort(c, http.StatusConflict, err.Error())
	case errors.Is(err, ingest.ErrUnauthorized):
		abort(c, http.StatusUnauthorized, "Unauthorized.")
	case errors.Is(err, ingest.ErrForbidden), errors.Is(err, ingest.ErrServerDisabled):
		abort(c, http.StatusForbidden, "Forbidden.")
	default:
		logFrom(c).Error("request failed", "path", c.Request.URL.Path, "err", err)
		abort(c, http.StatusInternalServerError, "Internal error.")
	}
}
