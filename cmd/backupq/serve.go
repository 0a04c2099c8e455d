package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/backupq/internal/authz"
	"github.com/bamsammich/backupq/internal/config"
	"github.com/bamsammich/backupq/internal/engine"
	"github.com/bamsammich/backupq/internal/filter"
	"github.com/bamsammich/backupq/internal/index"
	"github.com/bamsammich/backupq/internal/logging"
	"github.com/bamsammich/backupq/internal/progress"
	"github.com/bamsammich/backupq/internal/server"
	"github.com/bamsammich/backupq/internal/worker"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backup worker and HTTP API",
		Long: `Run the backup worker and its HTTP API until interrupted.

Configuration is read from $BACKUPQ_CONFIG or ~/.config/backupq/config.toml,
then overridden by BACKUP_RATE, ALLOWED_ROOTS, DATA_DIR, INDEX_BACKEND and
APP_PORT.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	cmd.Flags().String("listen", "", "listen address (overrides server.listen)")
	cmd.Flags().String("data-dir", "", "data directory (overrides index.data_dir)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	listen, _ := cmd.Flags().GetString("listen")    //nolint:errcheck // flag name is hardcoded
	dataDir, _ := cmd.Flags().GetString("data-dir") //nolint:errcheck // flag name is hardcoded
	verbose, _ := cmd.Flags().GetBool("verbose")    //nolint:errcheck // flag name is hardcoded
	logFile, _ := cmd.Flags().GetString("log")      //nolint:errcheck // flag name is hardcoded

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if dataDir != "" {
		cfg.Index.DataDir = dataDir
	}
	if logFile == "" {
		logFile = cfg.Log.File
	}

	_, logCloser, err := logging.Setup(logging.Options{
		Level:   cfg.Log.Level,
		Verbose: verbose,
		File:    logFile,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, cmd.OutOrStdout())
}

// serve runs the worker and the HTTP server until ctx is cancelled. echo
// receives a copy of every progress line when progress.echo is set.
//
//nolint:revive // cyclomatic: component wiring + ordered teardown
func serve(ctx context.Context, cfg config.Config, echo io.Writer) error {
	idx, err := index.Open(ctx, index.Options{
		Backend:       cfg.Index.Backend,
		Dir:           cfg.Index.DataDir,
		TailEntries:   cfg.Index.TailEntries,
		FlushSize:     cfg.Index.FlushSize,
		FlushInterval: cfg.Index.FlushInterval.Std(),
		CacheSize:     cfg.Index.CacheSize,
	})
	if err != nil {
		return fmt.Errorf("open backup index: %w", err)
	}
	defer func() {
		if cerr := idx.Close(); cerr != nil {
			slog.Error("close backup index", "error", cerr)
		}
	}()

	chain, err := buildFilter(cfg.Backup)
	if err != nil {
		return err
	}

	var authOpts []authz.Option
	if cfg.Backup.DiscoverMounts {
		authOpts = append(authOpts, authz.WithDiscoverer(authz.MountDiscoverer{}))
	}
	auth := authz.New(cfg.Backup.AllowedRoots, authOpts...)
	if len(auth.Roots()) == 0 {
		slog.Warn("no allowed roots configured; every task will be rejected")
	}

	progOpts := progress.Options{
		LogPath:       cfg.ProgressLogPath(),
		ReplaySize:    cfg.Progress.ReplaySize,
		MailboxSize:   cfg.Progress.MailboxSize,
		FlushLines:    cfg.Progress.FlushLines,
		FlushInterval: cfg.Progress.FlushInterval.Std(),
		MaxLogBytes:   int64(cfg.Progress.MaxLogBytes),
	}
	if cfg.Progress.Echo {
		progOpts.Echo = echo
	}
	prog := progress.New(progOpts)
	defer func() {
		if cerr := prog.Close(); cerr != nil {
			slog.Error("close progress log", "error", cerr)
		}
	}()

	walker := engine.NewWalker(engine.WalkerConfig{
		Index:           idx,
		Progress:        prog,
		Filter:          chain,
		Limiter:         engine.NewOpsLimiter(cfg.Backup.OpsPerSec),
		PlaceholderSize: int(cfg.Backup.PlaceholderSize),
	})

	w := worker.New(worker.Config{
		Authorizer: auth,
		Index:      idx,
		Progress:   prog,
		Walker:     walker,
	})

	srv := server.New(server.Config{
		Addr:           cfg.Server.Listen,
		Backend:        w,
		Stream:         prog,
		Authorizer:     auth,
		OriginPatterns: cfg.Server.OriginPatterns,
	})
	addr, err := srv.Listen()
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}

	if err := config.WriteDiscovery(cfg.Index.DataDir, config.Discovery{
		Addr: addr.String(),
		PID:  os.Getpid(),
	}); err != nil {
		slog.Warn("failed to write discovery file", "error", err)
	}
	defer config.RemoveDiscovery(cfg.Index.DataDir)

	slog.Info("backupq started",
		"version", version,
		"addr", addr.String(),
		"index", cfg.Index.Backend,
		"roots", auth.Roots(),
		"ops_per_sec", cfg.Backup.OpsPerSec,
	)

	// Either component failing stops the other.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		workErr  error
		serveErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		workErr = w.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		serveErr = srv.Serve(ctx)
	}()
	wg.Wait()

	slog.Info("backupq stopped")
	return errors.Join(workErr, serveErr)
}

func buildFilter(cfg config.BackupConfig) (*filter.Chain, error) {
	chain := filter.NewChain()
	for _, p := range cfg.Exclude {
		if err := chain.AddExclude(p); err != nil {
			return nil, fmt.Errorf("backup.exclude: %w", err)
		}
	}
	if cfg.ExcludeFrom != "" {
		if err := chain.LoadFile(cfg.ExcludeFrom); err != nil {
			return nil, fmt.Errorf("backup.exclude_from: %w", err)
		}
	}
	return chain, nil
}
