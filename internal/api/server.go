// Package api exposes the gateway over HTTP with gin.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Chapsvision-dev/storage-gateway/internal/auth"
	"github.com/Chapsvision-dev/storage-gateway/internal/logx"
	"github.com/Chapsvision-dev/storage-gateway/internal/movecopy"
	"github.com/Chapsvision-dev/storage-gateway/internal/provider"
	"github.com/Chapsvision-dev/storage-gateway/internal/version"
)

const requestIDHeader = "X-Request-ID"

// Deps are the collaborators the handlers need.
type Deps struct {
	Orchestrator *movecopy.Orchestrator
	Auth         auth.Handler
	Registry     *provider.Registry
	Addons       provider.AddonSet
	BaseURL      string
	MaxBodyBytes int64
	Gatherer     prometheus.Gatherer
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(d Deps) *gin.Engine {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestContext())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "build": version.Fields()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1/resources/:resource/providers/:provider")
	v1.POST("/*path", MoveCopyHandler(d))
	v1.GET("/*path", MetadataHandler(d))
	return r
}

// requestContext tags the request with an id and a request-scoped logger,
// and logs one line per request.
func requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(logx.WithRequest(c.Request.Context(), id))

		c.Next()

		logx.From(c.Request.Context()).Info().
			Str("action", "http").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed_ms", time.Since(start)).
			Msg("request handled")
	}
}
