package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/lucasnoah/redgreen/internal/agent/claudecli"
	"github.com/lucasnoah/redgreen/internal/checks"
	"github.com/lucasnoah/redgreen/internal/config"
	"github.com/lucasnoah/redgreen/internal/db"
	"github.com/lucasnoah/redgreen/internal/hookbridge"
	"github.com/lucasnoah/redgreen/internal/logging"
	"github.com/lucasnoah/redgreen/internal/metrics"
	"github.com/lucasnoah/redgreen/internal/orchestrator"
	"github.com/lucasnoah/redgreen/internal/pipeline"
	"github.com/lucasnoah/redgreen/internal/prompt"
	"github.com/lucasnoah/redgreen/internal/stage"
)

// appFs is the filesystem config, prompts and summaries are read from.
var appFs = afero.NewOsFs()

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(appFs, configFile)
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s (run `redgreen config validate`)", errs[0])
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config(cfg.Log))
}

func openLedger(cfg *config.Config) (*db.DB, error) {
	ledger, err := db.Open(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := ledger.Migrate(); err != nil {
		ledger.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return ledger, nil
}

func newVerifier(cfg *config.Config, log *zap.Logger) *checks.Verifier {
	return checks.NewVerifier(&checks.ExecRunner{}, cfg.Verify.Timeout, log)
}

// app is a fully wired pipeline: hook bridge, agent, stage engine and run
// manager.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	bridge  *hookbridge.Server
	ledger  *db.DB
	metrics *metrics.Metrics
	manager *orchestrator.Manager
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	root, err := filepath.Abs(cfg.Project.Root)
	if err != nil {
		return nil, fmt.Errorf("project root: %w", err)
	}
	templates, err := prompt.NewLoader(appFs, root).LoadSet(prompt.Names...)
	if err != nil {
		return nil, fmt.Errorf("load prompt templates: %w", err)
	}
	policy, err := cfg.ReadPolicy(appFs)
	if err != nil {
		return nil, err
	}
	store, err := pipeline.OpenStore(appFs, cfg.Store.RunsDir)
	if err != nil {
		return nil, err
	}
	ledger, err := openLedger(cfg)
	if err != nil {
		return nil, err
	}

	bridge := hookbridge.NewServer(log.Named("bridge"))
	if err := bridge.Start(cfg.Bridge.Addr); err != nil {
		ledger.Close()
		return nil, err
	}
	runner := &claudecli.Runner{
		Bin:     cfg.Agent.Bin,
		Timeout: cfg.Agent.Timeout,
		Bridge:  bridge,
		Log:     log.Named("agent"),
	}
	verifier := newVerifier(cfg, log)
	engine := stage.NewEngine(runner, verifier, templates, stage.Options{
		TestCommand:      cfg.Project.TestCommand,
		GreenFixAttempts: cfg.Loops.GreenFix,
		ReviewRounds:     cfg.Loops.Review,
		SecurityRounds:   cfg.Loops.Security,
		QARounds:         cfg.Loops.QA,
		MaxTurns:         cfg.Agent.MaxTurns,
		VerifyTimeout:    cfg.Verify.Timeout,
		Models: stage.Models{
			Pipeline:  cfg.Models.Pipeline,
			Security:  cfg.Models.Security,
			QA:        cfg.Models.QA,
			Report:    cfg.Models.Report,
			Summarize: cfg.Models.Summarize,
		},
		ExtraBlocked: cfg.Guard.ExtraBlocked,
		Policy:       policy,
	}, log.Named("stage"))
	engine.SetStore(store)

	met := metrics.New()
	manager := orchestrator.NewManager(orchestrator.Config{
		Engine:        engine,
		Summarizer:    stage.NewSummarizer(runner, verifier, templates, store, cfg.Models.Summarize, log.Named("summarize")),
		Store:         store,
		Ledger:        ledger,
		Metrics:       met,
		Log:           log.Named("run"),
		DefaultTarget: root,
		HistoryLimit:  cfg.Events.HistoryLimit,
	})
	return &app{cfg: cfg, log: log, bridge: bridge, ledger: ledger, metrics: met, manager: manager}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.bridge.Shutdown(ctx); err != nil {
		a.log.Warn("hook bridge shutdown", zap.Error(err))
	}
	if err := a.ledger.Close(); err != nil {
		a.log.Warn("close ledger", zap.Error(err))
	}
	a.log.Sync()
}
