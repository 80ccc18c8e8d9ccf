package ApiServer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"PodLogServer/Common"
	"PodLogServer/SparkServer"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// ValueReader reads a named variable from a connected pod.
type ValueReader interface {
	ReadValue(ctx context.Context, sessionId, verb string) (string, error)
}

type ApiServer struct {
	addr           string
	registry       *Common.Registry
	values         ValueReader
	requestTimeout time.Duration
	logger         *zap.Logger
}

// NewApiServer builds the status API. values may be nil when no control channel runs.
func NewApiServer(addr string, registry *Common.Registry, values ValueReader, requestTimeout time.Duration, logger *zap.Logger) *ApiServer {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &ApiServer{
		addr:           addr,
		registry:       registry,
		values:         values,
		requestTimeout: requestTimeout,
		logger:         logger.Named("api"),
	}
}

func (s *ApiServer) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger)
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})
	router.GET("/sessions", s.listSessions)
	router.GET("/sessions/:id", s.getSession)
	router.GET("/sessions/:id/values/:verb", s.readValue)
	return router
}

// Start serves the API until ctx is cancelled, then shuts down gracefully.
func (s *ApiServer) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting ApiServer", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *ApiServer) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions": s.registry.Snapshot(),
	})
}

func (s *ApiServer) getSession(c *gin.Context) {
	session, ok := s.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "session not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": session.Stats(),
	})
}

func (s *ApiServer) readValue(c *gin.Context) {
	if s.values == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "control channel disabled",
		})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.requestTimeout)
	defer cancel()

	value, err := s.values.ReadValue(ctx, c.Param("id"), c.Param("verb"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"value": value,
		})
	case errors.Is(err, SparkServer.ErrUnknownSession):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "session not found",
		})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error": "pod did not answer",
		})
	default:
		s.logger.Error("Cannot read value", zap.String("verb", c.Param("verb")), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "cannot read value",
		})
	}
}

func (s *ApiServer) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("Request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(start)))
}
