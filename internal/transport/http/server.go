package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ragdesk/internal/app"
	"ragdesk/internal/pkg/jwtutil"
	"ragdesk/internal/pkg/metrics"
	"ragdesk/internal/ratelimit"
	"ragdesk/internal/transport/http/handler"
	"ragdesk/internal/transport/http/middleware"
)

const uploadOverhead = 1 << 20

// Deps is everything the router needs. Limiter may be nil to disable rate
// limiting.
type Deps struct {
	AppName          string
	Env              string
	GinMode          string
	StartedAt        time.Time
	Logger           *zap.Logger
	Verifier         *jwtutil.Verifier
	Limiter          ratelimit.Limiter
	QueriesPerMinute int
	UploadsPerHour   int
	MaxFileBytes     int64

	Ingest        *app.IngestService
	Query         *app.QueryService
	Conversations *app.ConversationService
	Stats         *app.StatsService
	HealthChecks  []handler.Check
	// Metrics enables request metrics and GET /metrics when set.
	Metrics *metrics.Metrics
}

func NewRouter(d Deps) *gin.Engine {
	if d.GinMode != "" {
		gin.SetMode(d.GinMode)
	}
	log := d.Logger.Named("http")

	router := gin.New()
	router.Use(middleware.ProcessTime(), middleware.Logger(log), middleware.Recovery(log))
	if d.Metrics != nil {
		router.Use(middleware.Metrics(d.Metrics))
		router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	healthHandler := handler.NewHealthHandler(d.AppName, d.Env, d.StartedAt, d.HealthChecks, log)
	router.GET("/healthz", healthHandler.Check)

	ragHandler := handler.NewRAGHandler(d.Ingest, d.Query, d.Stats, d.MaxFileBytes)
	conversationHandler := handler.NewConversationHandler(d.Conversations)
	auth := middleware.AuthJWT(d.Verifier)

	api := router.Group("/api")
	api.GET("/profile", auth, handler.Profile)

	rag := api.Group("/rag")
	rag.Use(auth)
	rag.POST("/upload",
		middleware.BodyLimit(d.MaxFileBytes+uploadOverhead),
		middleware.RateLimit(d.Limiter, "upload", d.UploadsPerHour, time.Hour, log),
		ragHandler.Upload,
	)
	rag.POST("/query",
		middleware.RateLimit(d.Limiter, "query", d.QueriesPerMinute, time.Minute, log),
		ragHandler.Query,
	)
	rag.GET("/documents", ragHandler.ListDocuments)
	rag.GET("/documents/:id", ragHandler.GetDocument)
	rag.DELETE("/documents/:id", ragHandler.DeleteDocument)
	rag.GET("/conversations", conversationHandler.List)
	rag.GET("/conversations/:id/messages", conversationHandler.Messages)
	rag.DELETE("/conversations/:id", conversationHandler.Delete)
	rag.GET("/stats", ragHandler.Stats)

	return router
}
