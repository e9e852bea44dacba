package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samvad-hq/samvad-article-sync/internal/logger"
	"github.com/samvad-hq/samvad-article-sync/internal/metrics"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// PathPrefix mounts the webhook and listing routes, e.g. "/ailt".
	PathPrefix string
	Metrics    *metrics.Metrics
	Log        logger.Logger
}

// NewRouter creates a gin engine with every route configured.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Log == nil {
		cfg.Log = logger.NopLogger{}
	}

	r := gin.New()
	r.Use(gin.CustomRecovery(recoveryHandler(cfg.Log)))
	r.Use(accessLog(cfg.Log, cfg.Metrics))

	prefix := "/" + strings.Trim(cfg.PathPrefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	group := r.Group(prefix)
	{
		group.POST("/webhook", h.Webhook)
		group.GET("/categories", h.Categories)
		group.GET("/authors", h.Authors)
	}

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	return r
}

// accessLog writes one structured entry per request and counts it.
func accessLog(log logger.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		m.Request(c.Request.Method, route, strconv.Itoa(status))

		if route == "/health" || route == "/metrics" {
			return
		}
		entry := map[string]any{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			entry["errors"] = c.Errors.Errors()
			log.ErrorObj("http request with errors", "http_meta", entry)
			return
		}
		log.InfoObj("http request", "http_meta", entry)
	}
}

func recoveryHandler(log logger.Logger) gin.RecoveryFunc {
	return func(c *gin.Context, recovered any) {
		log.ErrorObj("panic recovered", "http_meta", map[string]any{
			"path":  c.Request.URL.Path,
			"panic": recovered,
		})
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{
			Success: false,
			Error:   "internal_error",
			Message: "internal server error",
		})
	}
}
