package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DefaultMaxBodyBytes matches the 16 MiB upload limit of the device API
const DefaultMaxBodyBytes = 16 << 20

// Options configures the web server
type Options struct {
	Addr         string
	MaxBodyBytes int64
	// AdminTokenHash is a bcrypt hash of the admin bearer token. Admin routes
	// are only registered when it is set.
	AdminTokenHash string
}

// WebServer serves the door-lock HTTP API
type WebServer struct {
	opts     Options
	router   *gin.Engine
	service  Service
	logger   *logrus.Logger
	server   *http.Server
	listener net.Listener
	mu       sync.RWMutex
}

// NewWebServer creates a new web server instance
func NewWebServer(service Service, logger *logrus.Logger, opts Options) *WebServer {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	ws := &WebServer{
		opts:    opts,
		router:  gin.New(),
		service: service,
		logger:  logger,
	}

	ws.setupMiddleware()
	ws.setupRoutes()

	return ws
}

// Handler returns the HTTP handler
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// setupMiddleware sets up the middleware
func (ws *WebServer) setupMiddleware() {
	ws.router.Use(RequestID())
	ws.router.Use(RecoveryHandler(ws.logger))
	ws.router.Use(LoggingMiddleware(ws.logger))
	ws.router.Use(ErrorHandler(ws.logger))
	ws.router.Use(BodyLimit(ws.opts.MaxBodyBytes))
}

// setupRoutes sets up the HTTP routes
func (ws *WebServer) setupRoutes() {
	ws.router.GET("/", ws.homeHandler)
	ws.router.GET("/healthz", ws.healthHandler)

	api := ws.router.Group("/api")
	{
		api.GET("/status", ws.statusHandler)
		api.POST("/verify-qr", ws.verifyQRHandler)
		api.POST("/recognize-face", ws.recognizeFaceHandler)
		api.GET("/sessions/:id", ws.sessionHandler)
	}

	if ws.opts.AdminTokenHash == "" {
		ws.logger.Info("Admin API disabled: no admin token hash configured")
		return
	}

	admin := api.Group("/admin", AdminAuth(ws.opts.AdminTokenHash, ws.logger))
	{
		admin.GET("/users", ws.listUsersHandler)
		admin.POST("/users", ws.createUserHandler)
		admin.POST("/users/:name/faces", ws.enrollFaceHandler)
		admin.DELETE("/users/:name/faces", ws.deleteEncodingsHandler)
		admin.GET("/access-logs", ws.accessLogsHandler)
		admin.POST("/faces/reload", ws.reloadFacesHandler)
	}
}

// Start binds the listen address and serves in the background
func (ws *WebServer) Start() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ln, err := net.Listen("tcp", ws.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ws.opts.Addr, err)
	}
	ws.listener = ln
	ws.logger.Infof("Starting web server on %s", ln.Addr())

	ws.server = &http.Server{
		Handler:           ws.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	server := ws.server
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ws.logger.Errorf("Web server failed: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start
func (ws *WebServer) Addr() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	if ws.listener != nil {
		return ws.listener.Addr().String()
	}
	return ws.opts.Addr
}

// Stop stops the web server
func (ws *WebServer) Stop(ctx context.Context) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.server == nil {
		return nil
	}

	ws.logger.Info("Stopping web server")

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown web server: %w", err)
	}

	ws.server = nil
	ws.listener = nil
	return nil
}
