package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Chapsvision-dev/storage-gateway/internal/apierr"
	"github.com/Chapsvision-dev/storage-gateway/internal/movecopy"
)

// MoveCopyHandler serves POST on an entry: move, copy or rename it.
func MoveCopyHandler(d Deps) gin.HandlerFunc {
	maxBody := d.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return func(c *gin.Context) {
		if err := prevalidate(c.Request, maxBody); err != nil {
			writeError(c, err)
			return
		}

		var req movecopy.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apierr.InvalidParameters("invalid json body: %v", err))
			return
		}

		res, err := d.Orchestrator.Execute(c.Request.Context(), movecopy.Source{
			Resource:  c.Param("resource"),
			Provider:  c.Param("provider"),
			Path:      c.Param("path"),
			Version:   c.Query("version"),
			Header:    c.Request.Header,
			RequestID: c.GetString("request_id"),
		}, req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(res.Status, gin.H{"data": res.Metadata.JSONAPISerialized(d.BaseURL, res.Resource)})
	}
}

// prevalidate runs before the body is read: the length must be declared
// and bounded.
func prevalidate(r *http.Request, maxBody int64) error {
	if r.ContentLength < 0 || (r.ContentLength == 0 && r.Header.Get("Content-Length") == "") {
		return apierr.InvalidParametersCode(http.StatusLengthRequired, "Content length is required")
	}
	if r.ContentLength > maxBody {
		return apierr.InvalidParametersCode(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Request body must be under %d bytes", maxBody))
	}
	return nil
}
