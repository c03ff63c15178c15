package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/syncbox/internal/config"
	"github.com/kimhsiao/syncbox/internal/logging"
	"github.com/kimhsiao/syncbox/internal/netmon"
	"github.com/kimhsiao/syncbox/internal/remote"
	"github.com/kimhsiao/syncbox/internal/store"
	syncpkg "github.com/kimhsiao/syncbox/internal/sync"
	"github.com/kimhsiao/syncbox/internal/sync/queue"
	"github.com/kimhsiao/syncbox/internal/sync/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Log.File != "" {
		logging.InitFile(cfg.Log.File, logging.LogLevel(cfg.Log.Level))
	} else {
		logging.Init(os.Stdout, logging.LogLevel(cfg.Log.Level))
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	client := remote.NewHTTPClient(&remote.HTTPConfig{
		BaseURL: cfg.Remote.BaseURL,
		Token:   cfg.Remote.Token,
		Timeout: time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
	})

	monitor := netmon.NewMonitor(buildProber(cfg), &netmon.Config{
		Debounce:      time.Duration(cfg.Network.DebounceSeconds) * time.Second,
		ProbeInterval: time.Duration(cfg.Network.ProbeIntervalSeconds) * time.Second,
	})

	q := queue.NewSyncQueue(st, client, &queue.Config{
		BaseDelay:   time.Duration(cfg.Retry.BaseDelaySeconds) * time.Second,
		MaxDelay:    time.Duration(cfg.Retry.MaxDelaySeconds) * time.Second,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Jitter:      time.Duration(cfg.Retry.JitterSeconds) * time.Second,
		MaxSize:     10000,
	})
	if err := q.Load(); err != nil {
		return err
	}

	coord := syncpkg.NewCoordinator(st, client, q, monitor, cfg)
	defer coord.Close()

	sched := scheduler.NewScheduler(coord, st, &scheduler.Config{
		DrainInterval: time.Minute,
		SweepInterval: time.Duration(cfg.Storage.SweepIntervalSeconds) * time.Second,
		PressureRatio: cfg.Storage.HighWaterRatio,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	monitor.Start(ctx)
	defer monitor.Stop()
	sched.Start(ctx)
	defer sched.Stop()

	// Collection policy changes apply without a restart.
	watcher, err := config.NewWatcher(configPath, func(next config.Config) {
		coord.UpdateConfig(next)
	})
	if err != nil {
		logging.Warn("Config watching disabled", map[string]interface{}{"error": err.Error()})
	} else {
		defer watcher.Close()
	}

	hub := NewHub(cfg.Server.Listen)
	detach := hub.Attach(coord.Events())
	defer detach()

	server := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: newRouter(coord, q, st, hub),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	logging.Info("syncd listening", map[string]interface{}{"addr": cfg.Server.Listen})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// openStore builds the configured persistence backend.
func openStore(cfg config.Config) (store.Store, error) {
	opts := store.Options{
		QuotaBytes:     cfg.Storage.QuotaBytes,
		HighWaterRatio: cfg.Storage.HighWaterRatio,
		ClassRank: func(collection string) int {
			return cfg.Collection(collection).TTLClass.Rank()
		},
	}
	switch cfg.Storage.Backend {
	case "badger":
		return store.OpenBadger(cfg.Storage.DataDir, opts)
	default:
		return store.OpenSQLite(cfg.Storage.DataDir, opts)
	}
}

// buildProber probes the remote host when one is configured; without a
// remote the daemon stays offline and serves cache only.
func buildProber(cfg config.Config) netmon.Prober {
	if cfg.Remote.BaseURL == "" {
		return netmon.ProberFunc(func(ctx context.Context) bool { return false })
	}
	u, err := url.Parse(cfg.Remote.BaseURL)
	if err != nil || u.Host == "" {
		return netmon.ProberFunc(func(ctx context.Context) bool { return false })
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = fmt.Sprintf("%s:%s", u.Hostname(), port)
	}
	return &netmon.TCPProber{Address: host, Timeout: 3 * time.Second}
}
