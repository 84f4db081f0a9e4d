package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yungusdotcom/thrive-dashboard/config"
	"github.com/yungusdotcom/thrive-dashboard/models"
	"github.com/yungusdotcom/thrive-dashboard/reports"
	"github.com/yungusdotcom/thrive-dashboard/thrive"
	"github.com/yungusdotcom/thrive-dashboard/utils"
	"github.com/yungusdotcom/thrive-dashboard/workflow"
)

const defaultPort = "8080"

const storeListKey = "thrive:stores"

// Built in main before the server starts listening; handlers can rely on
// these being non-nil.
var (
	apiClient    *thrive.Client
	reportCal    *reports.Calendar
	summaryCache *workflow.SummaryCache
	trendBuilder *workflow.TrendBuilder
	rebuilder    *workflow.Rebuilder
)

type trendQuery struct {
	Weeks int `form:"weeks,default=12" binding:"omitempty,min=1,max=52"`
}

type summaryQuery struct {
	Start string `form:"start" binding:"required,datetime=2006-01-02"`
	End   string `form:"end" binding:"required,datetime=2006-01-02"`
}

func bindQuery(c *gin.Context, q interface{}) bool {
	if err := c.ShouldBindQuery(q); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query", "fields": utils.ProcessValidationErrors(err)})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return false
	}
	return true
}

func storesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var stores []models.Store
		found, err := config.GetRedisObject(storeListKey, &stores)
		if err == nil && found {
			c.JSON(http.StatusOK, gin.H{"stores": stores})
			return
		}

		stores, err = apiClient.ListStores(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		// The listing rarely changes; a short TTL keeps dashboard loads
		// from burning upstream rate-limit budget.
		_ = config.SetRedisObject(storeListKey, stores, 5*time.Minute)
		c.JSON(http.StatusOK, gin.H{"stores": stores})
	}
}

func storeTrendHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var q trendQuery
		if !bindQuery(c, &q) {
			return
		}
		storeID := strings.TrimSpace(c.Param("id"))
		if storeID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "store id is required"})
			return
		}

		points := trendBuilder.GetTrend(c.Request.Context(), storeID, q.Weeks)
		c.JSON(http.StatusOK, gin.H{
			"storeId": storeID,
			"weeks":   q.Weeks,
			"points":  points,
		})
	}
}

func storeSummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var q summaryQuery
		if !bindQuery(c, &q) {
			return
		}
		storeID := strings.TrimSpace(c.Param("id"))
		if storeID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "store id is required"})
			return
		}

		start, err := reportCal.ParseDate(q.Start)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start date"})
			return
		}
		end, err := reportCal.ParseDate(q.End)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end date"})
			return
		}
		if end.Before(start) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end must not be before start"})
			return
		}

		summary, err := trendBuilder.GetSummary(c.Request.Context(), storeID, start, end)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"storeId": storeID,
			"start":   q.Start,
			"end":     q.End,
			"summary": summary,
		})
	}
}

func trendsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var q trendQuery
		if !bindQuery(c, &q) {
			return
		}

		trends, err := trendBuilder.GetAllTrend(c.Request.Context(), q.Weeks)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"weeks":  q.Weeks,
			"stores": trends,
		})
	}
}

func dashboardHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, rebuilder.Dashboard())
	}
}

func dashboardExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		payload := rebuilder.CachedPayload()
		if payload == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "dashboard is still building"})
			return
		}

		f, err := workflow.WriteTrendWorkbook(payload)
		if err != nil {
			config.LogError(logger, "server.go", "dashboardExportHandler", "Failed to render workbook", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
			return
		}
		defer f.Close()

		filename := "thrive-trends-" + payload.BuiltAt.Format("20060102") + ".xlsx"
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename="+filename)
		c.Status(http.StatusOK)
		if err := f.Write(c.Writer); err != nil {
			config.LogError(logger, "server.go", "dashboardExportHandler", "Failed to stream workbook", filename, err)
		}
	}
}

// rebuildTokenGuard protects ops endpoints with a shared token. Auth
// proper lives in front of this service; an empty REBUILD_TOKEN leaves
// the endpoints open for local development.
func rebuildTokenGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(os.Getenv("REBUILD_TOKEN"))
		if token == "" {
			c.Next()
			return
		}
		if c.GetHeader("x-rebuild-token") != token {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func rebuildHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result := rebuilder.TriggerRebuild(c.Request.Context(), models.RebuildTriggeredManual)
		status := http.StatusOK
		if result.Status == models.RebuildStatusError {
			status = http.StatusInternalServerError
		}
		c.JSON(status, result)
	}
}

type rebuildRunResponse struct {
	ID          uint              `json:"id"`
	Status      string            `json:"status"`
	TriggeredBy string            `json:"triggeredBy"`
	Weeks       int               `json:"weeks"`
	StoreCount  int               `json:"storeCount"`
	ErrorCount  int               `json:"errorCount"`
	Errors      map[string]string `json:"errors,omitempty"`
	StartedAt   *string           `json:"startedAt"`
	FinishedAt  *string           `json:"finishedAt"`
	DurationMs  int64             `json:"durationMs"`
}

func mapRunToResponse(run models.RebuildRun) rebuildRunResponse {
	resp := rebuildRunResponse{
		ID:          run.ID,
		Status:      run.Status,
		TriggeredBy: run.TriggeredBy,
		Weeks:       run.Weeks,
		StoreCount:  run.StoreCount,
		ErrorCount:  run.ErrorCount,
		StartedAt:   formatTime(run.StartedAt),
		FinishedAt:  formatTime(run.FinishedAt),
		DurationMs:  run.DurationMs,
	}
	if len(run.ErrorsJSON) > 0 {
		_ = json.Unmarshal(run.ErrorsJSON, &resp.Errors)
	}
	return resp
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func rebuildRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB()
		if db == nil || !config.RebuildHistoryEnabled() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rebuild history is disabled"})
			return
		}

		limit := config.SearchLimit
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		var runs []models.RebuildRun
		if err := db.WithContext(c.Request.Context()).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]rebuildRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func cacheClearHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := []string{summaryCache.StorageKey, rebuilder.PayloadKey, storeListKey}
		if err := config.RemoveRedisKey(keys...); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		summaryCache.Reset()
		c.JSON(http.StatusOK, gin.H{"cleared": keys})
	}
}

type pubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type rebuildPushPayload struct {
	Action        string `json:"action"`
	TriggeredBy   string `json:"triggered_by"`
	CorrelationId string `json:"correlation_id"`
}

// rebuildPubSubHandler is the Cloud Scheduler path: a push subscription
// delivers rebuild commands here. Malformed messages are acked with 204
// so Pub/Sub does not retry them forever; only a failed rebuild returns
// non-2xx to request a retry.
func rebuildPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "rebuildPubSubHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		var envelope pubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "server.go", "rebuildPubSubHandler", "Unmarshal envelope", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var payload rebuildPushPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			config.LogError(logger, "server.go", "rebuildPubSubHandler", "Unmarshal payload", envelope.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}
		if payload.Action != "rebuild" {
			config.LogError(logger, "server.go", "rebuildPubSubHandler", "Unknown action", payload, errors.New("action must be rebuild"))
			c.Status(http.StatusNoContent)
			return
		}

		correlationId := payload.CorrelationId
		if correlationId == "" {
			correlationId = envelope.Message.ID
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationId)

		triggeredBy := payload.TriggeredBy
		if triggeredBy == "" {
			triggeredBy = models.RebuildTriggeredScheduler
		}

		result := rebuilder.TriggerRebuild(ctx, triggeredBy)
		if result.Status == models.RebuildStatusError {
			logger.WithFields(logrus.Fields{
				"field":          "rebuildPubSubHandler",
				"triggered_by":   triggeredBy,
				"message_id":     envelope.Message.ID,
				"correlation_id": correlationId,
			}).Error("scheduled rebuild failed: " + result.Error)
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	calendar, err := reports.NewCalendar()
	if err != nil {
		log.Fatal("reporting calendar: ", err)
	}
	reportCal = calendar

	client, err := thrive.NewClient()
	if err != nil {
		log.Fatal("thrive client: ", err)
	}
	apiClient = client

	summaryCache = workflow.NewSummaryCache(config.RedisObjectStore{}, logger)
	trendBuilder = workflow.NewTrendBuilder(apiClient, summaryCache, reportCal, logger)
	rebuilder = workflow.NewRebuilder(trendBuilder, config.RedisObjectStore{}, workflow.NewRedisLocker(), logger)
	rebuilder.Publish = config.PublishRebuildEvent

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until Redis is ready, app endpoints return 503.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate app endpoints on dependency readiness. The DB is optional
		// here: run history guards itself.
		if config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id", "x-rebuild-token")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Dashboard API.
	r.GET("/api/stores", storesHandler())
	r.GET("/api/stores/:id/trend", storeTrendHandler())
	r.GET("/api/stores/:id/summary", storeSummaryHandler())
	r.GET("/api/trends", trendsHandler())
	r.GET("/api/dashboard", dashboardHandler())
	r.GET("/api/dashboard/export", dashboardExportHandler())

	// Ops tooling: trigger/inspect rebuilds, reset cached state.
	r.POST("/internal/rebuild", rebuildTokenGuard(), rebuildHandler())
	r.GET("/internal/rebuild/runs", rebuildTokenGuard(), rebuildRunsHandler())
	r.DELETE("/internal/cache", rebuildTokenGuard(), cacheClearHandler())

	// Pub/Sub push endpoint for scheduled rebuilds.
	r.POST("/pubsub", rebuildPubSubHandler())

	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectRedisWithRetry()

	if config.RebuildHistoryEnabled() {
		config.ConnectDatabaseWithRetry()
		// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
		// Allow disabling migrations on startup (run them as a separate job instead).
		if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
			models.MigrateTable()
		} else {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		}
		rebuilder.DB = config.GetDB()
	}

	// Summary cache: hydrate once, then flush on a debounce loop.
	summaryCache.Load()
	cacheCtx, cancelCache := context.WithCancel(context.Background())
	defer cancelCache()
	go summaryCache.Run(cacheCtx)

	// Best effort: make sure the rebuild events topic exists.
	if topic := config.RebuildEventsTopic(); topic != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			psClient, err := config.GetPubSubClient(ctx)
			if err != nil {
				logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("rebuild events disabled: " + err.Error())
				return
			}
			if _, err := config.CreateTopicIfNotExists(psClient, topic); err != nil {
				logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("could not ensure rebuild events topic: " + err.Error())
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("dashboard API listening on :", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop the flush loop first, then force a final flush so no cached
	// summaries are lost on shutdown.
	cancelCache()
	summaryCache.Flush()

	// Drain HTTP requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if db := config.GetDB(); db != nil {
		if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
			_ = sqlDB.Close()
		}
	}
	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs one line per request with latency and the
// correlation id attached by the first middleware.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
