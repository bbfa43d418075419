package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lucasnoah/redgreen/internal/db"
	"github.com/lucasnoah/redgreen/internal/orchestrator"
	"github.com/lucasnoah/redgreen/internal/pipeline"
)

const historyLimit = 20

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

func (s *Server) handleIndex(c echo.Context) error {
	data := struct {
		Status orchestrator.Status
		Target string
		Runs   []db.Run
	}{Status: s.runs.Status(), Target: s.runs.DefaultTarget()}
	if s.ledger != nil {
		runs, err := s.ledger.RecentRuns(historyLimit)
		if err != nil {
			s.log.Warn("recent runs", zap.Error(err))
		}
		data.Runs = runs
	}
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return s.index.Execute(c.Response(), data)
}

func (s *Server) handleRun(c echo.Context) error {
	var req orchestrator.RunRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	runID, err := s.runs.Start(c.Request().Context(), req)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "run_id": runID})
	case errors.Is(err, orchestrator.ErrTicketRequired):
		return errorJSON(c, http.StatusBadRequest, "ticket is required")
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		return errorJSON(c, http.StatusConflict, "Pipeline already running")
	case errors.Is(err, pipeline.ErrNoSummary):
		return errorJSON(c, http.StatusNotFound, "No summary found to resume from")
	default:
		s.log.Error("start run", zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleStop(c echo.Context) error {
	if !s.runs.Stop() {
		return errorJSON(c, http.StatusConflict, "No pipeline running")
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.runs.Status())
}

func (s *Server) handleSummary(c echo.Context) error {
	var req struct {
		Target string `json:"target"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	target := strings.TrimSpace(req.Target)
	if target == "" {
		target = s.runs.DefaultTarget()
	}
	sum, err := s.store.LoadSummary(target)
	if errors.Is(err, pipeline.ErrNoSummary) {
		return errorJSON(c, http.StatusNotFound, "No summary found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"default_target": s.runs.DefaultTarget(),
		"home":           s.home,
		"runs_dir":       s.store.BaseDir(),
	})
}

func (s *Server) handleReport(c echo.Context) error {
	id := c.Param("id")
	report, err := s.store.GetReport(id)
	if errors.Is(err, pipeline.ErrNoReport) {
		return errorJSON(c, http.StatusNotFound, "No report found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	prompts, err := s.store.ListPrompts(id)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	if prompts == nil {
		prompts = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id":  id,
		"report":  report,
		"prompts": prompts,
	})
}

type runJSON struct {
	ID         string `json:"id"`
	Ticket     string `json:"ticket"`
	Target     string `json:"target"`
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

func (s *Server) handleHistory(c echo.Context) error {
	if s.ledger == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "run ledger not configured")
	}
	limit := historyLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return errorJSON(c, http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	runs, err := s.ledger.RecentRuns(limit)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	out := make([]runJSON, 0, len(runs))
	for _, r := range runs {
		out = append(out, runJSON(r))
	}
	return c.JSON(http.StatusOK, out)
}
