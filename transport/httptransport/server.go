package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hupe1980/vecmesh/transport"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// Server exposes a transport.Handler over HTTP.
type Server struct {
	handler transport.Handler
	logger  *slog.Logger
	router  *gin.Engine
}

// NewServer returns an http.Handler serving h.
func NewServer(h transport.Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler: h,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST(EnvelopePath, s.serveEnvelope)
	s.router = router
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) serveEnvelope(c *gin.Context) {
	var env transport.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "bad_request", Message: err.Error()})
		return
	}

	resp, err := s.handler.Handle(c.Request.Context(), env)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorBody{Code: transport.ErrorCode(err), Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("http request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}
