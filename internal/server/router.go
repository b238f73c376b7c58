package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cookiesync/internal/auth"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/cookies"
	"github.com/MarcoPoloResearchLab/cookiesync/internal/sweeper"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultUserID         = "anonymous"
	userIDQueryParam      = "userId"
	adminSubjectKey       = "cookiesync_admin_subject"
	maxUploadBytes  int64 = 10 << 20
)

var errMissingCookieService = errors.New("cookie service dependency required")

// CookieService is the sync core consumed by the HTTP layer.
type CookieService interface {
	Upload(ctx context.Context, userID string, payload []byte, origin cookies.Origin) error
	Download(ctx context.Context, userID string, origin cookies.Origin) (cookies.PlaintextRecord, error)
	Exists(ctx context.Context, userID string) (bool, error)
	Delete(ctx context.Context, userID string) error
	Stats(ctx context.Context, userID string) (cookies.Stats, error)
	Overview(ctx context.Context) (cookies.AggregateStats, error)
	Health(ctx context.Context) cookies.HealthReport
}

// Maintenance runs the cleanup tasks on demand.
type Maintenance interface {
	RunOnce(ctx context.Context) []sweeper.Result
}

// AdminAuthorizer validates bearer credentials for system endpoints.
type AdminAuthorizer interface {
	ValidateRequest(r *http.Request) (auth.AdminClaims, error)
}

// Dependencies wires the HTTP handler. Maintenance and AdminAuthorizer are optional;
// without an authorizer the system endpoints are open.
type Dependencies struct {
	CookieService   CookieService
	Maintenance     Maintenance
	AdminAuthorizer AdminAuthorizer
	AllowedOrigins  []string
	Clock           func() time.Time
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router for the cookie and system endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.CookieService == nil {
		return nil, errMissingCookieService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(securityHeadersMiddleware())

	handler := &httpHandler{
		cookies:     deps.CookieService,
		maintenance: deps.Maintenance,
		authorizer:  deps.AdminAuthorizer,
		clock:       clock,
		logger:      logger,
	}

	cookieRoutes := router.Group("/api/cookies")
	cookieRoutes.POST("/upload", handler.handleUpload)
	cookieRoutes.GET("/download", handler.handleDownload)
	cookieRoutes.GET("/exists", handler.handleExists)
	cookieRoutes.DELETE("/delete", handler.handleDelete)
	cookieRoutes.GET("/stats", handler.handleStats)
	cookieRoutes.GET("/health", handler.handleCookieHealth)

	systemRoutes := router.Group("/api/system")
	systemRoutes.Use(handler.authorizeAdmin)
	systemRoutes.GET("/health", handler.handleSystemHealth)
	systemRoutes.GET("/stats", handler.handleSystemStats)
	systemRoutes.POST("/cleanup", handler.handleCleanup)

	return router, nil
}

type httpHandler struct {
	cookies     CookieService
	maintenance Maintenance
	authorizer  AdminAuthorizer
	clock       func() time.Time
	logger      *zap.Logger
}

type downloadResponsePayload struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	CookieData  string    `json:"cookieData"`
	DataSize    int64     `json:"dataSize"`
	CookieCount int64     `json:"cookieCount"`
	Version     int64     `json:"version"`
	UserAgent   string    `json:"userAgent"`
	ClientIP    string    `json:"clientIp"`
	CreateTime  time.Time `json:"createTime"`
	UpdateTime  time.Time `json:"updateTime"`
	ExpireTime  time.Time `json:"expireTime"`
}

type statsResponsePayload struct {
	CookieCount int64     `json:"cookieCount"`
	DataSize    int64     `json:"dataSize"`
	Version     int64     `json:"version"`
	CreateTime  time.Time `json:"createTime"`
	UpdateTime  time.Time `json:"updateTime"`
	ExpireTime  time.Time `json:"expireTime"`
}

type aggregateResponsePayload struct {
	TotalRecords   int64   `json:"totalRecords"`
	TotalDataSize  int64   `json:"totalDataSize"`
	TotalCookies   int64   `json:"totalCookies"`
	AverageCookies float64 `json:"averageCookies"`
}

type healthResponsePayload struct {
	Status     string                   `json:"status"`
	Database   string                   `json:"database"`
	Encryption string                   `json:"encryption"`
	Stats      aggregateResponsePayload `json:"stats"`
	Error      string                   `json:"error,omitempty"`
}

type cleanupResponsePayload struct {
	Tasks       []cleanupTaskPayload `json:"tasks"`
	CleanupTime time.Time            `json:"cleanupTime"`
}

type cleanupTaskPayload struct {
	Name     string `json:"name"`
	Affected int64  `json:"affected"`
	Error    string `json:"error,omitempty"`
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	userID := c.DefaultQuery(userIDQueryParam, defaultUserID)
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeFailure(c, http.StatusRequestEntityTooLarge, "payload_too_large", "payload exceeds upload limit")
			return
		}
		h.writeFailure(c, http.StatusBadRequest, string(cookies.KindValidation), "failed to read request body")
		return
	}

	if err := h.cookies.Upload(c.Request.Context(), userID, body, requestOrigin(c)); err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.writeSuccess(c, "cookie data uploaded", nil)
}

func (h *httpHandler) handleDownload(c *gin.Context) {
	userID := c.DefaultQuery(userIDQueryParam, defaultUserID)
	record, err := h.cookies.Download(c.Request.Context(), userID, requestOrigin(c))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.writeSuccess(c, "cookie data downloaded", downloadResponsePayload{
		ID:          record.ID,
		UserID:      record.UserID,
		CookieData:  string(record.Payload),
		DataSize:    record.SizeBytes,
		CookieCount: record.ItemCount,
		Version:     record.Version,
		UserAgent:   record.Origin.Signature,
		ClientIP:    record.Origin.Address,
		CreateTime:  record.CreatedAt,
		UpdateTime:  record.UpdatedAt,
		ExpireTime:  record.ExpiresAt,
	})
}

func (h *httpHandler) handleExists(c *gin.Context) {
	exists, err := h.cookies.Exists(c.Request.Context(), c.Query(userIDQueryParam))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.writeSuccess(c, "existence checked", exists)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	if err := h.cookies.Delete(c.Request.Context(), c.Query(userIDQueryParam)); err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.writeSuccess(c, "cookie data deleted", nil)
}

func (h *httpHandler) handleStats(c *gin.Context) {
	stats, err := h.cookies.Stats(c.Request.Context(), c.Query(userIDQueryParam))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.writeSuccess(c, "cookie stats loaded", statsResponsePayload{
		CookieCount: stats.ItemCount,
		DataSize:    stats.SizeBytes,
		Version:     stats.Version,
		CreateTime:  stats.CreatedAt,
		UpdateTime:  stats.UpdatedAt,
		ExpireTime:  stats.ExpiresAt,
	})
}

func (h *httpHandler) handleCookieHealth(c *gin.Context) {
	h.writeSuccess(c, "cookie sync service is running", nil)
}

func (h *httpHandler) handleSystemHealth(c *gin.Context) {
	report := h.cookies.Health(c.Request.Context())
	payload := healthResponsePayload{
		Status:     "ok",
		Database:   "ok",
		Encryption: "ok",
		Stats:      toAggregatePayload(report.Stats),
	}
	if !report.StoreHealthy {
		payload.Database = "unavailable"
		payload.Error = report.StoreError
	}
	if !report.CodecHealthy {
		payload.Encryption = "failed"
	}
	if !report.Healthy() {
		payload.Status = "degraded"
		h.writeEnvelope(c, http.StatusServiceUnavailable, envelope{
			Code:    http.StatusServiceUnavailable,
			Message: "system check failed",
			Data:    payload,
			Error:   string(cookies.KindStore),
		})
		return
	}
	h.writeSuccess(c, "system healthy", payload)
}

func (h *httpHandler) handleSystemStats(c *gin.Context) {
	stats, err := h.cookies.Overview(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.writeSuccess(c, "system stats loaded", toAggregatePayload(stats))
}

func (h *httpHandler) handleCleanup(c *gin.Context) {
	if h.maintenance == nil {
		h.writeFailure(c, http.StatusNotImplemented, "cleanup_unavailable", "cleanup is not configured")
		return
	}
	results := h.maintenance.RunOnce(c.Request.Context())
	payload := cleanupResponsePayload{
		Tasks:       make([]cleanupTaskPayload, 0, len(results)),
		CleanupTime: h.clock().UTC(),
	}
	failed := false
	for _, result := range results {
		task := cleanupTaskPayload{Name: result.Name, Affected: result.Affected}
		if result.Err != nil {
			task.Error = result.Err.Error()
			failed = true
		}
		payload.Tasks = append(payload.Tasks, task)
	}
	if failed {
		h.writeEnvelope(c, http.StatusInternalServerError, envelope{
			Code:    http.StatusInternalServerError,
			Message: "cleanup partially failed",
			Data:    payload,
			Error:   string(cookies.KindStore),
		})
		return
	}
	h.writeSuccess(c, "cleanup completed", payload)
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	if h.authorizer == nil {
		c.Next()
		return
	}
	claims, err := h.authorizer.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("admin token validation failed", zap.Error(err))
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrForbiddenRole) {
			status = http.StatusForbidden
		}
		h.writeFailure(c, status, "unauthorized", "admin credentials required")
		c.Abort()
		return
	}
	c.Set(adminSubjectKey, claims.Subject)
	c.Next()
}

func requestOrigin(c *gin.Context) cookies.Origin {
	return cookies.Origin{
		Signature: c.GetHeader("User-Agent"),
		Address:   c.ClientIP(),
	}
}

func toAggregatePayload(stats cookies.AggregateStats) aggregateResponsePayload {
	return aggregateResponsePayload{
		TotalRecords:   stats.RecordCount,
		TotalDataSize:  stats.TotalBytes,
		TotalCookies:   stats.TotalItems,
		AverageCookies: stats.AverageItems,
	}
}
