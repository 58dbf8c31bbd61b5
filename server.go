package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/middlewares"
	"github.com/cardiva/cardiva_backend/models"
	"github.com/cardiva/cardiva_backend/utils"
	"github.com/cardiva/cardiva_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("cardiva-backend")

type PubSubEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type signinRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func signinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req signinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "username and password are required"})
			return
		}
		info, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": info})
	}
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// changePasswordHandler rotates the caller's password and destroys every live
// session, forcing a fresh signin.
func changePasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req changePasswordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "old_password and new_password are required"})
			return
		}
		user, err := models.ChangePassword(c.Request.Context(), req.OldPassword, req.NewPassword)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		user.PrepareGive()
		c.JSON(http.StatusOK, gin.H{"success": true, "data": user})
	}
}

// createUserHandler lets an admin add a reviewer account to their business.
func createUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
			return
		}
		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
			return
		}
		if input.BusinessId == "" {
			businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
			input.BusinessId = businessId
		}
		user, err := models.CreateUser(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "data": user})
	}
}

func signoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := models.Logout(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": ok})
	}
}

// changeFeedPushHandler receives the Pub/Sub push envelope and hands the
// event to the hub. Malformed messages are acked and dropped to avoid retry
// storms.
func changeFeedPushHandler(hub *workflow.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "changeFeedPushHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		var envelope PubSubEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "server.go", "changeFeedPushHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var msg config.ChangeFeedMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
			config.LogError(logger, "server.go", "changeFeedPushHandler", "Unmarshal change feed message", envelope.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}

		if msg.BusinessId == "" || msg.TableName == "" {
			config.LogError(logger, "server.go", "changeFeedPushHandler", "Invalid change feed message (missing required fields)", msg, fmt.Errorf("business_id/table_name required"))
			c.Status(http.StatusNoContent)
			return
		}

		if err := hub.Enqueue(c.Request.Context(), msg); err != nil {
			// Non-2xx tells Pub/Sub to retry.
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func authorizeAdminOnly(ctx context.Context) error {
	isAdmin, ok := utils.GetIsAdminFromContext(ctx)
	if !ok || !isAdmin {
		return errors.New("unauthorized")
	}
	return nil
}

type outboxReplayRequest struct {
	RecordId int `json:"record_id"`
}

// outboxReplayHandler requeues DEAD outbox rows: one row when record_id is
// given, every DEAD row otherwise.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}

		if req.RecordId > 0 {
			now := time.Now().UTC()
			if err := db.WithContext(c.Request.Context()).
				Model(&models.ChangeEventRecord{}).
				Where("id = ?", req.RecordId).
				Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusFailed,
					"next_attempt_at":    &now,
					"locked_at":          nil,
					"locked_by":          nil,
					"last_publish_error": nil,
				}).Error; err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"record_id":       req.RecordId,
				"publish_status":  models.OutboxPublishStatusFailed,
				"next_attempt_at": now.Format(time.RFC3339Nano),
			})
			return
		}

		replayed, err := workflow.ReplayDeadEvents(c.Request.Context(), db)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"replayed": replayed})
	}
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin browsers are expected; session auth happens via the
	// token header before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTicketHandler issues a short-lived ticket for the websocket upgrade.
// Browsers cannot attach the session header to the upgrade request, so the
// client fetches a ticket over the authenticated API first and passes it as
// ?ticket= on /ws.
func wsTicketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, ok := utils.GetUserIdFromContext(c.Request.Context())
		if !ok || userId == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
			return
		}
		isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context())
		role := string(models.UserRoleReviewer)
		if isAdmin {
			role = string(models.UserRoleAdmin)
		}
		ticket, err := utils.JwtGenerateTTL(userId, role, time.Minute)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"ticket": ticket}})
	}
}

// wsIdentity resolves the subscriber identity from the session context or,
// failing that, from a ws ticket query parameter.
func wsIdentity(c *gin.Context) (businessId string, userId int, ok bool) {
	businessId, hasSession := utils.GetBusinessIdFromContext(c.Request.Context())
	if hasSession && businessId != "" {
		userId, _ = utils.GetUserIdFromContext(c.Request.Context())
		return businessId, userId, true
	}

	ticket := c.Query("ticket")
	if ticket == "" {
		return "", 0, false
	}
	parsed, err := utils.JwtValidate(ticket)
	if err != nil || !parsed.Valid {
		return "", 0, false
	}
	claims, ok2 := parsed.Claims.(*utils.JwtCustomClaim)
	if !ok2 || claims.ID == 0 {
		return "", 0, false
	}
	user, err := models.GetUser(c.Request.Context(), claims.ID)
	if err != nil || user.IsActive == nil || !*user.IsActive {
		return "", 0, false
	}
	return user.BusinessId, user.ID, true
}

func wsHandler(hub *workflow.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, userId, ok := wsIdentity(c)
		if !ok || businessId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		sub := workflow.NewSubscriber(businessId, userId)
		hub.Register(sub)

		// Initial snapshot so the client doesn't wait for the next change.
		if snapshot, err := json.Marshal(gin.H{
			"type": "active_jobs",
			"jobs": hub.ActiveJobs(businessId, userId),
		}); err == nil {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.TextMessage, snapshot)
		}

		go wsWritePump(conn, sub)
		wsReadPump(hub, conn, sub)
	}
}

func wsWritePump(conn *websocket.Conn, sub *workflow.Subscriber) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case frame, ok := <-sub.Send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func wsReadPump(hub *workflow.Hub, conn *websocket.Conn, sub *workflow.Subscriber) {
	defer func() {
		hub.Unregister(sub)
		conn.Close()
	}()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		// Clients only listen; drain until the connection drops.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
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

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require an explicit allowlist via CORS_ALLOWED_ORIGINS.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.UniqueSlice(utils.SplitAndTrim(allowedOrigins))
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	hub := workflow.NewHub(logger)
	uploadQueue := workflow.NewUploadQueue(logger)

	r.POST("/signin", signinHandler())
	r.POST("/signout", signoutHandler())
	r.POST("/pubsub", changeFeedPushHandler(hub))
	r.POST("/pipeline/callback", pipelineCallbackHandler())
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler())
	r.GET("/ws", wsHandler(hub))

	api := r.Group("/api", middlewares.RequireSession())
	{
		api.POST("/rfp/upload", rfpUploadHandler(uploadQueue))
		api.GET("/rfp/jobs", listRFPJobsHandler())
		api.DELETE("/rfp/jobs/:jobId", deleteRFPJobHandler())
		api.GET("/rfp/jobs/:jobId/items", listRFPItemsHandler())
		api.GET("/rfp/jobs/:jobId/kpis", rfpJobKPIsHandler())
		api.POST("/rfp/jobs/:jobId/items/:itemId/accept", acceptMatchHandler())
		api.POST("/rfp/jobs/:jobId/items/:itemId/reject", rejectMatchHandler())
		api.POST("/rfp/jobs/:jobId/items/:itemId/unselect", unselectMatchHandler())
		api.POST("/rfp/jobs/:jobId/items/:itemId/manual", manualMatchHandler())
		api.POST("/rfp/jobs/:jobId/auto-accept", autoAcceptHandler())
		api.POST("/rfp/jobs/:jobId/confirm", confirmRFPHandler())
		api.POST("/rfp/jobs/:jobId/revert-confirmation", revertConfirmationHandler())
		api.GET("/rfp/jobs/:jobId/export", exportRFPHandler())
		api.POST("/rfp/jobs/:jobId/export-email", exportEmailHandler())

		api.POST("/inventory/upload", inventoryUploadHandler(uploadQueue))
		api.GET("/inventory/jobs", listInventoryJobsHandler())
		api.DELETE("/inventory/jobs/:jobId", deleteInventoryJobHandler())

		api.GET("/artigos/search", searchArtigosHandler())
		api.GET("/artigos/:artigoId", getArtigoHandler())
		api.POST("/change-password", changePasswordHandler())
		api.POST("/users", createUserHandler())
		api.POST("/ws-ticket", wsTicketHandler())
	}

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (the startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations as
	// a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Background workers: hub dispatcher, upload queue, outbox publishing.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go hub.Run(workerCtx)
	go uploadQueue.Run(workerCtx)
	if config.PubSubConfigured() {
		go workflow.NewOutboxDispatcher(db, logger).Run(workerCtx)
	} else {
		logger.WithFields(logrus.Fields{"field": "outbox"}).Warn("pubsub not configured; feeding realtime hub directly from the outbox")
		go workflow.NewDirectProcessor(db, logger, hub).Run(workerCtx)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)
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

	// Stop background workers first so they don't start new work while draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that collected errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}
