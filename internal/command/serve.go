package command

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/bengillin/walkietalkiebot-sub001/internal/agent"
	"github.com/bengillin/walkietalkiebot-sub001/internal/config"
	"github.com/bengillin/walkietalkiebot-sub001/internal/db"
	"github.com/bengillin/walkietalkiebot-sub001/internal/notify"
	"github.com/bengillin/walkietalkiebot-sub001/internal/queue"
	"github.com/bengillin/walkietalkiebot-sub001/internal/server"
)

// NewServeCmd starts the HTTP server and job runner.
func NewServeCmd() *cobra.Command {
	var listenFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the wtb server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if listenFlag != "" {
				cfg.Listen = listenFlag
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&listenFlag, "listen", "", "listen address (overrides config)")

	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return config.Default(), nil
		}
		path = filepath.Join(home, ".walkietalkie", "config.toml")
	}
	return config.Load(path)
}

func runServe(cfg config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// One server per database. A second instance would double-run jobs.
	lock := flock.New(cfg.DBPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another wtb instance is already serving %s", cfg.DBPath)
	}
	defer lock.Unlock()

	database, err := db.OpenDatabase(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if err := db.InitSchema(database); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	runner := agent.NewRunner()
	runner.Binary = cfg.AgentBinary
	runner.ScratchDir = cfg.ScratchDir
	if cfg.HistoryTurns > 0 {
		runner.HistoryTurns = cfg.HistoryTurns
	}
	runner.Plans = planDetector(cfg)
	if cfg.Debug {
		runner.Logf = log.Printf
	}

	var notifier notify.Notifier = notify.Discard{}
	if cfg.Notifications {
		notifier = &notify.Desktop{AppName: AppName}
	}

	manager := queue.New(&db.Store{DB: database}, runner, queue.Config{
		Conversations: &db.Conversations{DB: database},
		Notifier:      notifier,
		Debug:         cfg.Debug,
	})
	if err := manager.Init(); err != nil {
		return fmt.Errorf("init queue: %w", err)
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.New(manager, cfg.StreamIdleTimeout()),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("wtb %s listening on %s", Version, cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %v, shutting down", sig)
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	manager.Shutdown()

	return nil
}

func planDetector(cfg config.Config) agent.PlanDetector {
	pd := agent.DefaultPlanDetector()
	if cfg.PlanMinContentLen > 0 {
		pd.MinContentLen = cfg.PlanMinContentLen
	}
	if cfg.PlanMinHeadings > 0 {
		pd.MinHeadings = cfg.PlanMinHeadings
	}
	if cfg.PlanMinListItems > 0 {
		pd.MinListItems = cfg.PlanMinListItems
	}
	return pd
}
