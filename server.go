package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/battery_backend/config"
	"bitbucket.org/mmdatafocus/battery_backend/middlewares"
	"bitbucket.org/mmdatafocus/battery_backend/models"
	"bitbucket.org/mmdatafocus/battery_backend/models/reports"
	"bitbucket.org/mmdatafocus/battery_backend/utils"
	"bitbucket.org/mmdatafocus/battery_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// errorResponse maps the business error taxonomy onto HTTP statuses.
// Inconsistencies are server faults: the stored data broke an invariant,
// retrying won't help, an operator needs to look.
func errorResponse(c *gin.Context, err error) {
	switch utils.KindOf(err) {
	case utils.ErrorKindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case utils.ErrorKindConflict:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case utils.ErrorKindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// sessionContext resolves the session user and stamps business/user identity
// into the request context. All business endpoints go through here.
func sessionContext(c *gin.Context) (context.Context, error) {
	ctx := c.Request.Context()
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return nil, errors.New("unauthorized")
	}

	var user models.User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return nil, err
	}
	if !exists {
		db := config.GetDB()
		if db == nil {
			return nil, errors.New("db is nil")
		}
		if err := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Take(&user).Error; err != nil {
			return nil, errors.New("unauthorized")
		}
	}

	ctx = utils.SetBusinessIdInContext(ctx, user.BusinessId)
	ctx = utils.SetUserIdInContext(ctx, user.ID)
	ctx = utils.SetUserNameInContext(ctx, user.Name)
	ctx = utils.SetIsAdminInContext(ctx, user.Role == models.UserRoleAdmin)
	return ctx, nil
}

func authorizeAdminOnly(ctx context.Context) error {
	isAdmin, ok := utils.GetIsAdminFromContext(ctx)
	if !ok || !isAdmin {
		return errors.New("unauthorized")
	}
	return nil
}

func loginHandler() gin.HandlerFunc {
	type loginRequest struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		info, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := models.Logout(c.Request.Context())
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": ok})
	}
}

// withSession wraps a business handler with session resolution.
func withSession(handlerFn func(c *gin.Context, ctx context.Context)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, err := sessionContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		handlerFn(c, ctx)
	}
}

// dateRangeParams parses from/to query params (YYYY-MM-DD); defaults to the
// last 30 days.
func dateRangeParams(c *gin.Context) (time.Time, time.Time, error) {
	now := time.Now()
	fromDate := now.AddDate(0, 0, -30)
	toDate := now
	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			return time.Time{}, time.Time{}, utils.Validationf("invalid from date %q", v)
		}
		fromDate = parsed
	}
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			return time.Time{}, time.Time{}, utils.Validationf("invalid to date %q", v)
		}
		// inclusive end of day
		toDate = parsed.AddDate(0, 0, 1).Add(-time.Second)
	}
	if toDate.Before(fromDate) {
		return time.Time{}, time.Time{}, utils.Validationf("to date is before from date")
	}
	return fromDate, toDate, nil
}

func idParam(c *gin.Context, name string) (int, error) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		return 0, utils.Validationf("invalid %s", name)
	}
	return id, nil
}

func registerRoutes(r *gin.Engine, logger *logrus.Logger) {
	r.POST("/login", loginHandler())
	r.POST("/logout", logoutHandler())

	// products
	r.GET("/products", withSession(func(c *gin.Context, ctx context.Context) {
		var name *string
		if v := c.Query("name"); v != "" {
			name = &v
		}
		results, err := models.GetProducts(ctx, name)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}))
	r.POST("/products", withSession(func(c *gin.Context, ctx context.Context) {
		var input models.NewProduct
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := models.CreateProduct(ctx, &input)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))
	r.PUT("/products/:id", withSession(func(c *gin.Context, ctx context.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			errorResponse(c, err)
			return
		}
		var input models.NewProduct
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := models.UpdateProduct(ctx, id, &input)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))
	r.GET("/products/:id", withSession(func(c *gin.Context, ctx context.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			errorResponse(c, err)
			return
		}
		result, err := models.GetProduct(ctx, id)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))
	r.PUT("/products/:id/active", withSession(func(c *gin.Context, ctx context.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			errorResponse(c, err)
			return
		}
		var req struct {
			IsActive *bool `json:"is_active" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := models.ToggleActiveProduct(ctx, id, *req.IsActive)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))
	r.POST("/products/:id/recount", withSession(func(c *gin.Context, ctx context.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			errorResponse(c, err)
			return
		}
		result, err := models.RecountProductQty(ctx, id)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))

	// stock units
	r.GET("/products/:id/stock-units", withSession(func(c *gin.Context, ctx context.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			errorResponse(c, err)
			return
		}
		var status *models.StockUnitStatus
		if v := c.Query("status"); v != "" {
			s := models.StockUnitStatus(v)
			status = &s
		}
		results, err := models.GetStockUnits(ctx, id, status)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}))
	r.POST("/products/:id/stock-units", withSession(func(c *gin.Context, ctx context.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			errorResponse(c, err)
			return
		}
		var input models.NewStockUnits
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		results, err := models.AddStockUnits(ctx, id, &input)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}))

	// customers
	r.GET("/customers", withSession(func(c *gin.Context, ctx context.Context) {
		var name *string
		if v := c.Query("name"); v != "" {
			name = &v
		}
		results, err := models.GetCustomers(ctx, name)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}))
	r.POST("/customers", withSession(func(c *gin.Context, ctx context.Context) {
		var input models.NewCustomer
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := models.CreateCustomer(ctx, &input)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))
	r.GET("/customers/:id", withSession(func(c *gin.Context, ctx context.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			errorResponse(c, err)
			return
		}
		result, err := models.GetCustomer(ctx, id)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))
	r.PUT("/customers/:id", withSession(func(c *gin.Context, ctx context.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			errorResponse(c, err)
			return
		}
		var input models.NewCustomer
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := models.UpdateCustomer(ctx, id, &input)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))

	// sale orders + serial allocation
	r.GET("/sale-orders", withSession(func(c *gin.Context, ctx context.Context) {
		pendingOnly := strings.EqualFold(c.Query("pending"), "true")
		results, err := models.GetSaleOrders(ctx, pendingOnly)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}))
	r.GET("/sale-orders/:id", withSession(func(c *gin.Context, ctx context.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			errorResponse(c, err)
			return
		}
		result, err := models.GetSaleOrder(ctx, id)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))
	r.POST("/sale-orders", withSession(func(c *gin.Context, ctx context.Context) {
		var input models.NewSaleOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := models.CreateSaleOrder(ctx, &input)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))
	r.POST("/sale-orders/:id/assign-serials", withSession(func(c *gin.Context, ctx context.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			errorResponse(c, err)
			return
		}
		var input models.AssignSerialsInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := models.AssignSerials(ctx, id, &input)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))

	// warranty desk
	r.GET("/battery-status/:serial", withSession(func(c *gin.Context, ctx context.Context) {
		serial := c.Param("serial")
		result, err := models.CheckBatteryStatus(ctx, serial)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))
	r.GET("/replacements", withSession(func(c *gin.Context, ctx context.Context) {
		var serial *string
		if v := c.Query("serial"); v != "" {
			serial = &v
		}
		results, err := models.GetReplacements(ctx, serial)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}))
	r.POST("/replacements", withSession(func(c *gin.Context, ctx context.Context) {
		var input models.NewReplacement
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := models.Replace(ctx, &input)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))

	// warranty slabs
	r.GET("/warranty-slabs", withSession(func(c *gin.Context, ctx context.Context) {
		results, err := models.GetWarrantySlabs(ctx)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}))
	r.POST("/warranty-slabs", withSession(func(c *gin.Context, ctx context.Context) {
		var input models.NewWarrantySlab
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := models.CreateWarrantySlab(ctx, &input)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))
	r.PUT("/warranty-slabs/:id", withSession(func(c *gin.Context, ctx context.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			errorResponse(c, err)
			return
		}
		var input models.NewWarrantySlab
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := models.UpdateWarrantySlab(ctx, id, &input)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))

	r.PUT("/warranty-slabs/:id/active", withSession(func(c *gin.Context, ctx context.Context) {
		id, err := idParam(c, "id")
		if err != nil {
			errorResponse(c, err)
			return
		}
		var req struct {
			IsActive *bool `json:"is_active" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := models.ToggleActiveWarrantySlab(ctx, id, *req.IsActive)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))

	// reports
	r.GET("/reports/sales-by-product", withSession(func(c *gin.Context, ctx context.Context) {
		fromDate, toDate, err := dateRangeParams(c)
		if err != nil {
			errorResponse(c, err)
			return
		}
		var name *string
		if v := c.Query("product_name"); v != "" {
			name = &v
		}
		results, err := reports.GetSalesByProductReport(ctx, fromDate, toDate, name)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}))
	r.GET("/reports/pending-allocation", withSession(func(c *gin.Context, ctx context.Context) {
		results, err := reports.GetPendingAllocationReport(ctx)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}))
	r.GET("/reports/replacement-summary", withSession(func(c *gin.Context, ctx context.Context) {
		fromDate, toDate, err := dateRangeParams(c)
		if err != nil {
			errorResponse(c, err)
			return
		}
		results, err := reports.GetReplacementSummaryReport(ctx, fromDate, toDate)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}))
	r.GET("/reports/stock-summary", withSession(func(c *gin.Context, ctx context.Context) {
		results, err := reports.GetStockSummaryReport(ctx)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}))

	// users
	r.POST("/users", withSession(func(c *gin.Context, ctx context.Context) {
		if err := authorizeAdminOnly(ctx); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := models.CreateUser(ctx, &input)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))
	r.POST("/users/change-password", withSession(func(c *gin.Context, ctx context.Context) {
		var req struct {
			OldPassword string `json:"old_password" binding:"required"`
			NewPassword string `json:"new_password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := models.ChangePassword(ctx, req.OldPassword, req.NewPassword)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}))

	// Ops tooling (admin only): replay notification outbox rows marked DEAD/FAILED.
	r.POST("/internal/ops/outbox/replay", withSession(func(c *gin.Context, ctx context.Context) {
		if err := authorizeAdminOnly(ctx); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		type outboxReplayRequest struct {
			BusinessId string `json:"business_id"`
			RecordId   int    `json:"record_id"`
		}
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.BusinessId == "" || req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and record_id are required"})
			return
		}

		db := config.GetDB()
		now := time.Now().UTC()
		if err := db.WithContext(ctx).
			Model(&models.NotificationRecord{}).
			Where("id = ? AND business_id = ?", req.RecordId, req.BusinessId).
			Updates(map[string]interface{}{
				"publish_status":  models.OutboxPublishStatusFailed,
				"next_attempt_at": &now,
				"locked_at":       nil,
				"locked_by":       nil,
				"last_error":      nil,
			}).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"business_id":     req.BusinessId,
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}))

	// Ops tooling (admin only): queue guarantee-expiry notifications on demand.
	r.POST("/internal/ops/guarantee-expiry-sweep", withSession(func(c *gin.Context, ctx context.Context) {
		if err := authorizeAdminOnly(ctx); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		businessId, _ := utils.GetBusinessIdFromContext(ctx)
		queued, err := workflow.RunGuaranteeExpirySweep(ctx, config.GetDB(), logger, businessId)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"queued": queued})
	}))
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

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
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
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
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
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())
	registerRoutes(r, logger)
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
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
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start notification dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewNotificationDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

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

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
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
