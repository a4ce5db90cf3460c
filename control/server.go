package control

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// LoggerMiddleware logs every request through logrus.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := log.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(start).String(),
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			log.WithFields(fields).Error("Server error")
		case status >= 400:
			log.WithFields(fields).Warn("Client error")
		default:
			log.WithFields(fields).Debug("Request completed")
		}
	}
}

// RecoveryMiddleware turns a panic into a 500 response.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorf("Panic recovered: %v", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, Response{Error: "internal server error"})
			}
		}()
		c.Next()
	}
}

/*
NewRouter exposes h over HTTP:

	POST /api/v1/command   Request -> Response
	GET  /api/v1/stats     get-stats
	GET  /metrics          Prometheus exposition of gatherer
*/
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(LoggerMiddleware())
	router.Use(RecoveryMiddleware())

	v1 := router.Group("/api/v1")
	{
		v1.POST("/command", h.commandHandler)
		v1.GET("/stats", h.statsHandler)
	}
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return router
}

func (h *Handler) commandHandler(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Error: "invalid request: " + err.Error()})
		return
	}
	resp := h.Handle(c.Request.Context(), req)
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusBadRequest
	}
	c.JSON(status, resp)
}

func (h *Handler) statsHandler(c *gin.Context) {
	st := h.Stats()
	c.JSON(http.StatusOK, Response{Success: true, Stats: &st})
}

// Serve runs the router on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, router http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Control server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "control server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "control server shutdown")
	}
	return nil
}
