// Command pmd is the post-mortem debugging daemon: it wires the dump
// store, symbol cache, session manager, and metaindex together and serves
// them over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coredump-labs/postmortem/internal/analyzer"
	"github.com/coredump-labs/postmortem/internal/config"
	"github.com/coredump-labs/postmortem/internal/dumpstore"
	"github.com/coredump-labs/postmortem/internal/engine"
	"github.com/coredump-labs/postmortem/internal/logger"
	"github.com/coredump-labs/postmortem/internal/metaindex"
	"github.com/coredump-labs/postmortem/internal/redaction"
	"github.com/coredump-labs/postmortem/internal/session"
	"github.com/coredump-labs/postmortem/internal/sessionstore"
	"github.com/coredump-labs/postmortem/internal/symbols"
	"github.com/coredump-labs/postmortem/internal/transcript"
	"github.com/coredump-labs/postmortem/internal/transport"
)

func main() {
	var staticConfigPath string
	var logLevel string

	root := &cobra.Command{
		Use:   "pmd",
		Short: "post-mortem debugging daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(staticConfigPath, logLevel)
		},
	}
	root.Flags().StringVar(&staticConfigPath, "config", "", "path to static YAML config (symbol servers, plugin roots)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(staticConfigPath, logLevel string) error {
	if err := logger.Init(logLevel, ""); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.FromEnv(staticConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dumps, err := dumpstore.Open(cfg.DumpStoragePath)
	if err != nil {
		return fmt.Errorf("open dump store: %w", err)
	}
	sessions, err := sessionstore.Open(cfg.SessionStoragePath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	index, err := metaindex.Open(cfg.SessionStoragePath + "/metaindex.db")
	if err != nil {
		return fmt.Errorf("open metaindex: %w", err)
	}
	defer index.Close()
	if err := metaindex.Rebuild(index, dumps, sessions); err != nil {
		logger.Warn("metaindex rebuild failed at startup, continuing with stale index", "err", err)
	}

	redactor := redaction.New(nil)
	transcripts, err := transcript.Open(cfg.SessionStoragePath+"/transcripts", redactor)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}

	acquirer := symbols.NewAcquirer(dumps, symbols.NewExecTool("pm-symbol-acquire"))
	an := analyzer.New(analyzer.NewExecModuleLister("pm-module-list"), analyzer.NewFileCommandDetector())

	newAdapter := func() engine.Adapter {
		return engine.NewPlatformAdapter(engine.SubprocessConfig{})
	}
	manager := session.NewManager(sessions, dumps, cfg, newAdapter, hostID(), index, func(sessionID string) {
		if err := index.RemoveSession(sessionID); err != nil {
			logger.Warn("metaindex: failed to remove closed session", "session", sessionID, "err", err)
		}
	})

	srv := transport.New(cfg, dumps, manager, index, transcripts, acquirer, an, newAdapter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go cleanupLoop(ctx, manager)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pmd listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		time.Sleep(time.Second)
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("daemon error: %w", err)
		}
		return nil
	}
}

// cleanupLoop periodically evicts sessions past the inactivity threshold
// on a fixed poll interval.
func cleanupLoop(ctx context.Context, manager *session.Manager) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.Cleanup(ctx)
		}
	}
}

func hostID() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "pmd-unknown"
	}
	return h
}
