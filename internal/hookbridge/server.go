// Package hookbridge connects an out-of-process agent's lifecycle hooks to
// in-process guardrails. The agent runs `redgreen hook` for each event;
// that command forwards the payload here over loopback HTTP.
package hookbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/lucasnoah/redgreen/internal/guard"
)

// Hook event names as the agent reports them.
const (
	EventPreToolUse  = "PreToolUse"
	EventPostToolUse = "PostToolUse"
	EventPreCompact  = "PreCompact"
)

// Payload is the JSON the agent writes to a hook's stdin.
type Payload struct {
	SessionID     string         `json:"session_id,omitempty"`
	HookEventName string         `json:"hook_event_name,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	ToolInput     map[string]any `json:"tool_input,omitempty"`
	ToolResponse  any            `json:"tool_response,omitempty"`
	Trigger       string         `json:"trigger,omitempty"`
}

// SpecificOutput is the event-specific part of a hook reply.
type SpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
	AdditionalContext        string `json:"additionalContext,omitempty"`
}

// Reply is what the hook command prints back to the agent.
type Reply struct {
	HookSpecificOutput *SpecificOutput `json:"hookSpecificOutput,omitempty"`
	CustomInstructions string          `json:"customInstructions,omitempty"`
}

// Server dispatches hook events to the guardrails bound to each session.
type Server struct {
	echo *echo.Echo
	log  *zap.Logger
	bin  string

	mu       sync.RWMutex
	ln       net.Listener
	bindings map[string]guard.Hooks
}

// NewServer creates a bridge. Call Start to begin listening.
func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		log:      log,
		bin:      resolveBinary(),
		bindings: make(map[string]guard.Hooks),
	}
	e.POST("/hooks/:event", s.handleHook)
	return s
}

// SetBinary overrides the command the agent invokes for hooks.
func (s *Server) SetBinary(bin string) { s.bin = bin }

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr, which must be a loopback address.
func (s *Server) Start(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("bridge addr %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("bridge addr %q is not loopback", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.echo.Listener = ln

	go func() {
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("hook bridge stopped", zap.Error(err))
		}
	}()
	s.log.Debug("hook bridge listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// URL is the base URL hook commands post to.
func (s *Server) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return "http://" + s.ln.Addr().String()
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Register binds hooks to a fresh token and returns it.
func (s *Server) Register(hooks guard.Hooks) string {
	token := ulid.Make().String()
	s.mu.Lock()
	s.bindings[token] = hooks
	s.mu.Unlock()
	return token
}

// Unregister drops a binding.
func (s *Server) Unregister(token string) {
	s.mu.Lock()
	delete(s.bindings, token)
	s.mu.Unlock()
}

// Bind registers hooks and installs the hook commands into workdir's agent
// settings. The returned release func unregisters and restores the
// previous settings file.
func (s *Server) Bind(workdir string, hooks guard.Hooks) (release func(), err error) {
	url := s.URL()
	if url == "" {
		return nil, errors.New("hook bridge not started")
	}
	token := s.Register(hooks)
	prev, err := WriteHooksFile(workdir, GenerateHooksConfig(s.bin, url, token))
	if err != nil {
		s.Unregister(token)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.Unregister(token)
			if err := restoreHooksFile(workdir, prev); err != nil {
				s.log.Warn("restore agent settings", zap.String("workdir", workdir), zap.Error(err))
			}
		})
	}, nil
}

func (s *Server) lookup(c echo.Context) (guard.Hooks, bool) {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.bindings[token]
	return h, ok
}

func (s *Server) handleHook(c echo.Context) error {
	hooks, ok := s.lookup(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unknown hook token")
	}
	var p Payload
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hook payload")
	}
	ctx := c.Request().Context()
	action := guard.Action{Tool: p.ToolName, Input: p.ToolInput}

	switch event := c.Param("event"); event {
	case EventPreToolUse:
		d := hooks.BeforeAction(ctx, action)
		if !d.Denied {
			return c.JSON(http.StatusOK, Reply{})
		}
		return c.JSON(http.StatusOK, Reply{HookSpecificOutput: &SpecificOutput{
			HookEventName:            EventPreToolUse,
			PermissionDecision:       "deny",
			PermissionDecisionReason: d.Reason,
		}})
	case EventPostToolUse:
		note := hooks.AfterAction(ctx, action, guard.ParseResponse(p.ToolResponse))
		if note == "" {
			return c.JSON(http.StatusOK, Reply{})
		}
		return c.JSON(http.StatusOK, Reply{HookSpecificOutput: &SpecificOutput{
			HookEventName:     EventPostToolUse,
			AdditionalContext: note,
		}})
	case EventPreCompact:
		return c.JSON(http.StatusOK, Reply{CustomInstructions: hooks.Compact(ctx)})
	default:
		return echo.NewHTTPError(http.StatusNotFound, "unknown hook event "+event)
	}
}
