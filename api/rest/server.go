// Package rest provides the REST API the grid uses to drive the agent.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"yqhp/grid-agent/pkg/logger"
	"yqhp/grid-agent/pkg/types"
)

// Dispatcher is what the server exposes over HTTP.
type Dispatcher interface {
	Process(ctx context.Context, tokenID string, req *types.CallRequest) *types.CallResult
	Reserve(tokenID string) error
	Release(tokenID string) error
	List() []types.Token
	AvailableTokens() []types.Token
}

// Server represents the REST API server.
type Server struct {
	app        *fiber.App
	dispatcher Dispatcher
	metrics    http.Handler
	config     *Config
	logger     *zap.Logger
}

// Config holds the configuration for the REST API server.
type Config struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// EnableRequestLog logs every request through the fiber logger middleware.
	EnableRequestLog bool `yaml:"enable_request_log"`
}

// DefaultConfig returns a default server configuration.
// Calls may run for minutes, so no timeouts are set by default.
func DefaultConfig() *Config {
	return &Config{
		EnableRequestLog: true,
	}
}

// NewServer creates a new REST API server. metrics may be nil.
func NewServer(d Dispatcher, metrics http.Handler, config *Config, l *zap.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		ErrorHandler: customErrorHandler,
		JSONEncoder:  sonic.Marshal,
		// 调用可能在处理器返回后继续运行，路由参数与请求体中的字符串必须拷贝
		JSONDecoder:           sonic.ConfigStd.Unmarshal,
		Immutable:             true,
		AppName:               "Grid Agent",
		DisableStartupMessage: true,
	})

	server := &Server{
		app:        app,
		dispatcher: d,
		metrics:    metrics,
		config:     config,
		logger:     logger.OrNop(l).Named("rest"),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	if s.config.EnableRequestLog {
		s.app.Use(fiberlogger.New(fiberlogger.Config{
			Format:     "${status} | ${latency} | ${method} ${path}\n",
			TimeFormat: "2006-01-02 15:04:05",
			Output:     zap.NewStdLog(s.logger).Writer(),
		}))
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.app.Get("/running", s.running)

	token := s.app.Group("/token")
	token.Get("/list", s.listTokens)
	token.Get("/available", s.availableTokens)
	token.Post("/:id/process", s.process)
	token.Get("/:id/reserve", s.reserve)
	token.Get("/:id/release", s.release)

	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics))
	}
}

// Serve serves requests on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("REST API listening", zap.String("address", ln.Addr().String()))
	return s.app.Listener(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// ShutdownWithTimeout gracefully shuts down the server with a timeout.
func (s *Server) ShutdownWithTimeout(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler handles errors returned by handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
		message = fe.Message
	case errors.Is(err, types.ErrUnknownToken):
		code = fiber.StatusNotFound
		message = err.Error()
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
