package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"
	"simulcastctl/internal/core/services"
	"simulcastctl/internal/infrastructure/middleware"
	"simulcastctl/internal/infrastructure/monitoring"
	"simulcastctl/internal/infrastructure/signal"
	"simulcastctl/pkg/config"
	apperrors "simulcastctl/pkg/errors"
	"simulcastctl/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// historyProvider is implemented by session services that keep a command history.
type historyProvider interface {
	History() []domain.ReconfigurationRecord
}

type SessionHandler struct {
	session   ports.SessionService
	quality   *services.QualityService
	ws        *signal.WebSocketServer
	liveness  *monitoring.HealthChecker
	readiness *monitoring.HealthChecker
	gatherer  prometheus.Gatherer
}

func NewSessionHandler(
	session ports.SessionService,
	quality *services.QualityService,
	ws *signal.WebSocketServer,
	liveness, readiness *monitoring.HealthChecker,
	gatherer prometheus.Gatherer,
) *SessionHandler {
	return &SessionHandler{
		session:   session,
		quality:   quality,
		ws:        ws,
		liveness:  liveness,
		readiness: readiness,
		gatherer:  gatherer,
	}
}

// NewRouter builds the gin engine serving the control plane.
func NewRouter(cfg *config.Config, h *SessionHandler, logger *zap.SugaredLogger) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	h.SetupRoutes(router, middleware.NewHTTPRateLimitMiddleware(cfg))
	return router
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine, limit gin.HandlerFunc) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
	if h.ws != nil {
		router.GET("/ws/events", func(c *gin.Context) {
			h.ws.HandleWebSocket(c.Writer, c.Request)
		})
	}

	api := router.Group("/api/v1/session")
	{
		api.GET("", h.GetSession)
		api.GET("/stats", h.GetStats)
		api.GET("/history", h.GetHistory)
		api.POST("/commands", limit, h.PostCommand)
	}
}

func (h *SessionHandler) Health(c *gin.Context) {
	h.respondHealth(c, h.liveness)
}

func (h *SessionHandler) Ready(c *gin.Context) {
	h.respondHealth(c, h.readiness)
}

func (h *SessionHandler) respondHealth(c *gin.Context, checker *monitoring.HealthChecker) {
	if checker == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	status := checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session": h.session.CallState(),
	})
}

func (h *SessionHandler) GetStats(c *gin.Context) {
	stats := h.session.RoutingStats()
	c.JSON(http.StatusOK, gin.H{
		"delivered": byQuality(h.quality, stats.Delivered),
		"dropped":   byQuality(h.quality, stats.Dropped),
		"timestamp": stats.Timestamp,
	})
}

type layerCount struct {
	SSRC    domain.StreamIdentifier `json:"ssrc"`
	Quality string                  `json:"quality"`
	Packets uint64                  `json:"packets"`
}

func byQuality(qs *services.QualityService, counts map[domain.StreamIdentifier]uint64) []layerCount {
	out := make([]layerCount, 0, len(counts))
	for id := domain.StreamIdentifier(1); int(id) <= domain.MaxStreams; id++ {
		n, ok := counts[id]
		if !ok {
			continue
		}
		out = append(out, layerCount{SSRC: id, Quality: qs.Name(id), Packets: n})
	}
	return out
}

func (h *SessionHandler) GetHistory(c *gin.Context) {
	hp, ok := h.session.(historyProvider)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"history": []domain.ReconfigurationRecord{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": hp.History()})
}

// CommandRequest accepts either a console command or a quality name to relay.
type CommandRequest struct {
	Command string `json:"command"`
	Quality string `json:"quality"`
}

func (h *SessionHandler) PostCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	line := strings.TrimSpace(req.Command)
	if req.Quality != "" {
		id, err := h.quality.Identifier(req.Quality)
		if err != nil {
			_ = c.Error(err)
			return
		}
		line = strconv.Itoa(int(id))
	}
	if line == "" {
		// only the operator console ends the session
		_ = c.Error(apperrors.NewInvalidInputError("command or quality is required"))
		return
	}
	if err := validation.ValidateCommandLine(line); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	res, err := h.session.Execute(c.Request.Context(), line)
	if err != nil {
		if errors.Is(err, domain.ErrSessionEnded) {
			_ = c.Error(apperrors.NewInvalidStateError("session ended"))
			return
		}
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"result":  res,
		"session": h.session.CallState(),
	})
}
