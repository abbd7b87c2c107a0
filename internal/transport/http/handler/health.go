package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const unavailableMessage = "unavailable"

// Check probes one dependency.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type HealthHandler struct {
	appName   string
	env       string
	startedAt time.Time
	checks    []Check
	log       *zap.Logger
}

type dependencyStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func NewHealthHandler(appName, env string, startedAt time.Time, checks []Check, log *zap.Logger) *HealthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthHandler{appName: appName, env: env, startedAt: startedAt, checks: checks, log: log}
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := make(gin.H, len(h.checks))
	allOK := true
	for _, check := range h.checks {
		status := dependencyStatus{OK: true}
		if err := check.Fn(ctx); err != nil {
			// the cause can name hosts or credentials; it stays in the log
			h.log.Warn("health check failed", zap.String("dependency", check.Name), zap.Error(err))
			status = dependencyStatus{OK: false, Message: unavailableMessage}
			allOK = false
		}
		deps[check.Name] = status
	}

	statusCode := http.StatusOK
	state := "healthy"
	if !allOK {
		statusCode = http.StatusServiceUnavailable
		state = "degraded"
	}

	c.JSON(statusCode, gin.H{
		"status":       state,
		"app":          h.appName,
		"env":          h.env,
		"uptime_sec":   int(time.Since(h.startedAt).Seconds()),
		"dependencies": deps,
	})
}
