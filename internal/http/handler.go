package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"sentinel-edge/internal/repository"
	"sentinel-edge/internal/supervisor"
)

// StatusProvider is what the handler needs from the running node.
type StatusProvider interface {
	State() supervisor.State
	ChildStates() map[string]bool
}

type PendingProvider interface {
	PendingCount() int
}

type Handler struct {
	nodeID   string
	location string
	status   StatusProvider
	pending  PendingProvider
	records  *repository.RecordRepository
	registry *prometheus.Registry
	shutdown func()
	log      zerolog.Logger
}

func NewHandler(
	nodeID, location string,
	status StatusProvider,
	pending PendingProvider,
	records *repository.RecordRepository,
	registry *prometheus.Registry,
	shutdown func(),
	log zerolog.Logger,
) *Handler {
	return &Handler{
		nodeID:   nodeID,
		location: location,
		status:   status,
		pending:  pending,
		records:  records,
		registry: registry,
		shutdown: shutdown,
		log:      log.With().Str("component", "http").Logger(),
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.Use(cors.Default())

	r.GET("/healthz", h.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))

	public := r.Group("/api/v1")
	{
		public.GET("/status", h.nodeStatus)
		public.GET("/records", h.listRecords)
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/control/shutdown", h.controlShutdown)
	}
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": h.nodeID})
}

func (h *Handler) nodeStatus(c *gin.Context) {
	status := gin.H{
		"node_id":  h.nodeID,
		"location": h.location,
		"state":    h.status.State(),
		"children": h.status.ChildStates(),
	}
	if h.pending != nil {
		status["pending_aggregations"] = h.pending.PendingCount()
	}
	c.JSON(http.StatusOK, successResponse(status))
}

func (h *Handler) listRecords(c *gin.Context) {
	if h.records == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("record journal not configured"))
		return
	}

	number := strings.TrimSpace(c.Query("vehicle_number"))
	violationsOnly := c.Query("violations") == "true"

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	records, err := h.records.FindRecords(c.Request.Context(), number, violationsOnly, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list records")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusOK, successResponse(records))
}

func (h *Handler) controlShutdown(c *gin.Context) {
	h.log.Warn().Str("remote", c.ClientIP()).Msg("shutdown requested via control API")
	c.JSON(http.StatusAccepted, gin.H{"status": "shutting down"})
	if h.shutdown != nil {
		go h.shutdown()
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
