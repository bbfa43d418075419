package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/redgreen/internal/pipeline"
	"github.com/lucasnoah/redgreen/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and live event streams",
	Long: `Start the HTTP API on server.addr. Runs are started with POST /api/run and
followed with GET /api/events (SSE) or GET /api/ws (WebSocket). Prometheus
metrics are served at /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		a, err := newApp(cfg, log)
		if err != nil {
			return err
		}

		srv := web.NewServer(a.manager, pipeline.NewStore(appFs, ""), web.Options{
			Ledger:  a.ledger,
			Metrics: a.metrics.Handler(),
			Log:     log.Named("web"),
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Start(cfg.Server.Addr)
		})
		g.Go(func() error {
			<-ctx.Done()
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := a.manager.Shutdown(shutdownCtx); err != nil {
				log.Warn("run shutdown", zap.Error(err))
			}
			err := srv.Shutdown(shutdownCtx)
			a.close(shutdownCtx)
			return err
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default: server.addr)")
}
