package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/redgreen/internal/checks"
	"github.com/lucasnoah/redgreen/internal/console"
	"github.com/lucasnoah/redgreen/internal/db"
	"github.com/lucasnoah/redgreen/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run [ticket...]",
	Short: "Run the pipeline for a ticket",
	Long: `Run the full pipeline for a ticket in the foreground, printing progress.

The first Ctrl-C stops the run after the current agent call and saves a
summary to .tdd_summary.json in the target; a second Ctrl-C aborts the call.
Pass --resume to continue from that summary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		ticketFile, _ := cmd.Flags().GetString("ticket-file")
		resume, _ := cmd.Flags().GetBool("resume")
		verbose, _ := cmd.Flags().GetBool("verbose")

		ticket := strings.Join(args, " ")
		if ticketFile != "" {
			data, err := afero.ReadFile(appFs, ticketFile)
			if err != nil {
				return fmt.Errorf("read ticket file: %w", err)
			}
			ticket = string(data)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		a, err := newApp(cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			a.close(ctx)
		}()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if _, err := a.manager.Start(ctx, orchestrator.RunRequest{Ticket: ticket, Target: target, Resume: resume}); err != nil {
			return err
		}

		finished := make(chan struct{})
		defer close(finished)
		go interruptHandler(cmd, a.manager, finished)

		console.New(cmd.OutOrStdout(), verbose).Follow(ctx, a.manager.Subscribe(ctx))
		fin, err := a.manager.Wait(ctx)
		if err != nil {
			return err
		}
		return runExit(cmd, fin)
	},
}

// interruptHandler turns the first interrupt into a cooperative stop and
// the second into cancellation of the in-flight agent call.
func interruptHandler(cmd *cobra.Command, m *orchestrator.Manager, finished <-chan struct{}) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
	case <-finished:
		return
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Stopping after the current agent call (Ctrl-C again to abort it)...")
	m.Stop()

	select {
	case <-sigs:
	case <-finished:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	m.Shutdown(ctx)
}

func runExit(cmd *cobra.Command, fin *orchestrator.Finished) error {
	if fin == nil {
		return nil
	}
	switch fin.Status {
	case db.StatusFailed:
		return fin.Err
	case db.StatusStopped:
		if fin.Err != nil {
			return fin.Err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Resume with: redgreen run --resume")
		return nil
	}
	if !fin.Final.Passed() {
		return fmt.Errorf("final verification did not pass: %s", checks.StatusLine(fin.Final))
	}
	return nil
}

func init() {
	runCmd.Flags().StringP("target", "t", "", "project root (default: project.root)")
	runCmd.Flags().String("ticket-file", "", "read the ticket from a file")
	runCmd.Flags().Bool("resume", false, "resume from the summary saved in the target")
	runCmd.Flags().BoolP("verbose", "v", false, "print agent text and thinking")
}
