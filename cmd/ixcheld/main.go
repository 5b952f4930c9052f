// Command ixcheld is ixchel's daemon: it holds one repository's store
// open, runs the sync queue's worker, watches the filesystem for changes,
// and serves the IPC protocol (spec.md §4.9-§4.11) over a Unix-domain
// socket. It is a thin process-bootstrap entrypoint, not the CLI surface
// (spec.md §1's Non-goals) — it parses only its own startup flags, the
// way the teacher's cmd/bd uses cobra for flag parsing ahead of dispatch.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ixchel-dev/ixchel/internal/config"
	"github.com/ixchel-dev/ixchel/internal/embedding"
	"github.com/ixchel-dev/ixchel/internal/ipc"
	"github.com/ixchel-dev/ixchel/internal/layout"
	"github.com/ixchel-dev/ixchel/internal/logging"
	"github.com/ixchel-dev/ixchel/internal/queue"
	"github.com/ixchel-dev/ixchel/internal/store"
	"github.com/ixchel-dev/ixchel/internal/sync"
)

// Version is ixcheld's version, overridden by ldflags at build time and
// reported through the IPC Ping/Status commands.
var Version = "0.1.0"

var (
	flagRepo          string
	flagSocket        string
	flagIdleTimeout   time.Duration
	flagWatchDebounce time.Duration
	flagLogFile       string
)

func main() {
	cmd := &cobra.Command{
		Use:   "ixcheld",
		Short: "Run the ixchel daemon for one repository",
		RunE:  run,
	}
	cmd.Flags().StringVar(&flagRepo, "repo", ".", "repository root (or a path inside it)")
	cmd.Flags().StringVar(&flagSocket, "socket", "", "IPC socket path (default <repo>/.ixchel/daemon.sock)")
	cmd.Flags().DurationVar(&flagIdleTimeout, "idle-timeout", 0, "shut down after this long with no activity and no pending syncs (default from config.toml)")
	cmd.Flags().DurationVar(&flagWatchDebounce, "watch-debounce", 300*time.Millisecond, "debounce window for filesystem-triggered syncs")
	cmd.Flags().StringVar(&flagLogFile, "log-file", "", "daemon log file (default <repo>/.ixchel/data/daemon.log)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ixcheld:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	repo, err := layout.FindRoot(flagRepo)
	if err != nil {
		return fmt.Errorf("ixcheld: %w", err)
	}
	if err := repo.RequireIndex(); err != nil {
		return fmt.Errorf("ixcheld: %w", err)
	}

	cfg, err := config.Load(repo.Root)
	if err != nil {
		return fmt.Errorf("ixcheld: %w", err)
	}

	logPath := flagLogFile
	if logPath == "" {
		logPath = filepath.Join(repo.DataDir(), "daemon.log")
	}
	log := logging.New(logPath)

	lockPath := filepath.Join(repo.IndexDir, "daemon.lock")
	lock, acquired, err := queue.AcquireDaemonLock(lockPath)
	if err != nil {
		return fmt.Errorf("ixcheld: %w", err)
	}
	if !acquired {
		return fmt.Errorf("ixcheld: another daemon already holds %s", lockPath)
	}
	defer lock.Release() //nolint:errcheck // best-effort unlock on exit

	if err := os.MkdirAll(repo.DataDir(), 0o755); err != nil {
		return fmt.Errorf("ixcheld: %w", err)
	}
	dbPath := filepath.Join(repo.DataDir(), "index.db")
	st, err := store.Open(dbPath, cfg.Store.Dimension)
	if err != nil {
		return fmt.Errorf("ixcheld: opening store: %w", err)
	}
	defer st.Close()

	embedder, err := embedding.New(cfg.Embedding.Provider, cfg.Embedding.ModelName, cfg.Store.Dimension, embedding.Options{
		ModelPath: cfg.Embedding.ModelPath,
		OllamaURL: cfg.Embedding.OllamaURL,
	})
	if err != nil {
		return fmt.Errorf("ixcheld: building embedder: %w", err)
	}

	orchestrator := &sync.Orchestrator{
		Store:          st,
		Embedder:       embedder,
		IndexerVersion: Version,
		BatchSize:      cfg.Embedding.BatchSize,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("ixcheld: received shutdown signal")
		cancel()
	}()

	q := queue.New()
	runner := func(job *queue.Job) (queue.Stats, error) {
		stats, err := orchestrator.Run(ctx, repo, job.Force)
		for _, w := range stats.Warnings {
			log.Warn("sync: "+w, "repo", repo.Root)
		}
		return queue.Stats{
			Scanned:    stats.Scanned,
			Inserted:   stats.Added,
			Updated:    stats.Modified,
			Skipped:    stats.Unchanged,
			Reembedded: stats.Reembedded,
			Deleted:    stats.Deleted,
			Renamed:    stats.Renamed,
			Duration:   stats.Duration,
		}, err
	}

	socketPath := flagSocket
	if socketPath == "" {
		socketPath = filepath.Join(repo.IndexDir, "daemon.sock")
	}
	idleTimeout := flagIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = cfg.Daemon.IdleTimeout
	}

	server := ipc.NewServer(socketPath, Version, idleTimeout, flagWatchDebounce, q, runner, log)

	log.Info("ixcheld: starting", "repo", repo.Root, "socket", socketPath, "version", Version)
	if err := server.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("ixcheld: %w", err)
	}
	log.Info("ixcheld: stopped")
	return nil
}
