package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/logx"
)

// writeError renders err as {code, message} with its mapped status.
func writeError(c *gin.Context, err error) {
	status := apierr.StatusOf(err)
	ev := logx.From(c.Request.Context()).Warn()
	if status >= http.StatusInternalServerError {
		ev = logx.From(c.Request.Context()).Error()
	}
	ev.Err(err).Str("action", "http").Str("kind", string(apierr.KindOf(err))).Int("status", status).Msg("request failed")

	c.AbortWithStatusJSON(status, gin.H{
		"code":    status,
		"message": err.Error(),
	})
}
