// Package web serves the pipeline's HTTP API: starting and stopping runs,
// status, resume summaries, live event streams and metrics.
package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"os"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/lucasnoah/redgreen/internal/db"
	"github.com/lucasnoah/redgreen/internal/events"
	"github.com/lucasnoah/redgreen/internal/orchestrator"
	"github.com/lucasnoah/redgreen/internal/pipeline"
)

//go:embed templates
var templateFS embed.FS

// Runner is the run lifecycle the API drives. orchestrator.Manager
// implements it.
type Runner interface {
	Start(ctx context.Context, req orchestrator.RunRequest) (string, error)
	Stop() bool
	Status() orchestrator.Status
	Subscribe(ctx context.Context) <-chan events.Event
	DefaultTarget() string
}

// Server is the HTTP API.
type Server struct {
	echo     *echo.Echo
	runs     Runner
	store    *pipeline.Store
	ledger   *db.DB
	log      *zap.Logger
	home     string
	index    *template.Template
	upgrader websocket.Upgrader
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Ledger  *db.DB
	Metrics http.Handler
	Log     *zap.Logger
}

// NewServer builds the API around runs and the Summary store.
func NewServer(runs Runner, store *pipeline.Store, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	home, _ := os.UserHomeDir()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		runs:   runs,
		store:  store,
		ledger: opts.Ledger,
		log:    log,
		home:   home,
		index:  template.Must(template.ParseFS(templateFS, "templates/index.html")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	e.GET("/", s.handleIndex)
	api := e.Group("/api")
	api.POST("/run", s.handleRun)
	api.POST("/stop", s.handleStop)
	api.GET("/status", s.handleStatus)
	api.POST("/summary", s.handleSummary)
	api.GET("/config", s.handleConfig)
	api.GET("/history", s.handleHistory)
	api.GET("/runs/:id/report", s.handleReport)
	api.GET("/events", s.handleEvents)
	api.GET("/ws", s.handleWebSocket)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}
	return s
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("web server listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
