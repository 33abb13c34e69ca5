package collector

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hpungsan/casetrack/internal/delivery"
	"github.com/hpungsan/casetrack/internal/event"
	"github.com/hpungsan/casetrack/internal/observability"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

// Handlers serves the collector routes.
type Handlers struct {
	store  *Store
	logger *zap.Logger
	now    func() time.Time
}

// NewHandlers creates Handlers over store.
func NewHandlers(store *Store, logger *zap.Logger) *Handlers {
	return &Handlers{
		store:  store,
		logger: observability.OrNop(logger).Named("collector"),
		now:    time.Now,
	}
}

// NewRouter builds the gin engine with the collector routes.
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders())

	r.GET("/healthz", h.HandleHealth)
	track := r.Group("/track")
	{
		track.POST("/batch", h.HandleBatch)
		track.GET("/batches", h.HandleList)
	}
	return r
}

// NewServer creates the HTTP server for the collector.
func NewServer(h *Handlers, bind string, port int) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bind, port),
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	}
}

// HandleBatch accepts one tracker payload.
func (h *Handlers) HandleBatch(c *gin.Context) {
	var p event.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}

	headerSession := c.GetHeader(delivery.HeaderSessionID)
	if headerSession != "" && p.SessionMetadata.SessionID != "" && headerSession != p.SessionMetadata.SessionID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Session-ID does not match sessionMetadata.sessionId"})
		return
	}
	for i, e := range p.Events {
		if e.EventType == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("events[%d]: eventType is required", i)})
			return
		}
	}

	b := h.store.Add(p, c.GetHeader(delivery.HeaderFingerprint), h.now())
	h.logger.Info("batch received",
		zap.String("session_id", b.SessionID),
		zap.Int("events", len(b.Events)),
		zap.Int("duplicates", b.Duplicates))

	c.JSON(http.StatusAccepted, gin.H{
		"accepted":   len(b.Events),
		"duplicates": b.Duplicates,
	})
}

// HandleList returns recent batches, newest first.
func (h *Handlers) HandleList(c *gin.Context) {
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}
	batches := h.store.Recent(limit, c.Query("session_id"))
	c.JSON(http.StatusOK, gin.H{"batches": batches, "count": len(batches)})
}

// HandleHealth reports liveness and totals.
func (h *Handlers) HandleHealth(c *gin.Context) {
	events, duplicates := h.store.Totals()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "events": events, "duplicates": duplicates})
}

// Run starts the HTTP server and handles graceful shutdown on SIGINT/SIGTERM.
func Run(srv *http.Server, logger *zap.Logger) error {
	logger = observability.OrNop(logger)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	fmt.Fprintf(os.Stderr, "casetrack collector listening on http://%s%s\n", srv.Addr, delivery.BatchPath)
	if strings.HasPrefix(srv.Addr, "0.0.0.0") || strings.HasPrefix(srv.Addr, "[::]") || strings.HasPrefix(srv.Addr, ":") {
		fmt.Fprintln(os.Stderr, "WARNING: collector is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-sigCh:
		logger.Info("shutting down collector")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
