// Package api provides the HTTP surface of the session server: POST
// /process, the rendezvous handshake's single entry point, and GET /health.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/sfmsession/sessiond/pkg/config"
	"github.com/sfmsession/sessiond/pkg/rendezvous"
	"github.com/sfmsession/sessiond/pkg/version"
)

// ImageSaver is the filesystem boundary the frontend writes uploaded images
// through and reads the current on-disk count from.
type ImageSaver interface {
	ImageNames() ([]string, error)
	SaveImage(name string, data []byte) error
}

// ExportProvider locates the most recently written PLY export directory, the
// source of the artifacts POST /process attaches as its ZIP part. Satisfied
// by *controller.Controller.
type ExportProvider interface {
	LatestExportDir() string
}

// Server is the RequestFrontend: an Echo v5 HTTP server that turns each POST
// /process into exactly one rendezvous.State.SubmitRequest call.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	rdv     *rendezvous.State
	scene   *config.SceneConfig
	mcfg    *config.MapperConfig
	images  ImageSaver
	exports ExportProvider

	progress ProgressBroadcaster // nil if the progress stream is disabled
}

// ProgressBroadcaster publishes a snapshot of rendezvous state to any
// connected progress-stream clients and accepts new stream connections. Set
// via SetProgressBroadcaster; left nil disables GET /ws/progress entirely.
// Satisfied by *progress.Hub.
type ProgressBroadcaster interface {
	Broadcast(snapshot rendezvous.Snapshot)
	HandleConnection(ctx context.Context, conn *websocket.Conn, initial rendezvous.Snapshot)
}

// NewServer constructs a Server and registers its routes.
func NewServer(rdv *rendezvous.State, scene *config.SceneConfig, mcfg *config.MapperConfig, images ImageSaver, exports ExportProvider) *Server {
	e := echo.New()

	s := &Server{
		echo:    e,
		rdv:     rdv,
		scene:   scene,
		mcfg:    mcfg,
		images:  images,
		exports: exports,
	}

	s.setupRoutes()
	return s
}

// SetProgressBroadcaster wires in the optional read-only progress stream.
// Must be called before Start/StartWithListener to take effect, since the
// route is registered once at construction time via setupRoutes and guarded
// by a nil check at request time instead of a second route registration.
func (s *Server) SetProgressBroadcaster(b ProgressBroadcaster) {
	s.progress = b
}

func (s *Server) setupRoutes() {
	// One upload plus metadata JSON rarely exceeds a few megabytes; this
	// caps the request body read before it ever reaches the multipart parser.
	s.echo.Use(middleware.BodyLimit(32 * 1024 * 1024))

	s.echo.GET("/health", s.healthHandler)
	s.echo.POST("/process", s.processHandler)
	s.echo.GET("/ws/progress", s.progressHandler)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	names, err := s.images.ImageNames()
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, &HealthResponse{
			Status: "unhealthy",
			Error:  err.Error(),
		})
	}

	return c.JSON(http.StatusOK, &HealthResponse{
		Status:    "healthy",
		Version:   version.Full(),
		NumImages: len(names),
		Scene:     s.scene.Name,
	})
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener, used by
// tests to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
