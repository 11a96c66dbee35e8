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
	"github.com/uplo-tech/errors"

	"github.com/televybackup/televybackup/build"
	"github.com/televybackup/televybackup/internal/app"
	"github.com/televybackup/televybackup/internal/backupengine"
	"github.com/televybackup/televybackup/internal/chunker"
	"github.com/televybackup/televybackup/internal/config"
	"github.com/televybackup/televybackup/internal/statuslog"
	"github.com/televybackup/televybackup/persist"
)

// installKillSignalHandler installs a signal handler for os.Interrupt
// and syscall.SIGTERM and returns the channel they are delivered on.
func installKillSignalHandler() chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	return sigChan
}

// openRunLog creates the per-run NDJSON log file named
// (sync-<kind>-<utc>-<run_id>.ndjson) and returns a statuslog.Writer
// backed by it.
func openRunLog(logDir, kind, runID string) (*statuslog.Writer, *os.File, error) {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, nil, errors.AddContext(err, "televybackupd: unable to create log directory")
	}
	name := fmt.Sprintf("sync-%s-%s-%s.ndjson", kind, time.Now().UTC().Format("20060102T150405Z"), runID)
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, errors.AddContext(err, "televybackupd: unable to open run log")
	}
	w := statuslog.NewWriter(f, runID, func() int64 { return time.Now().UnixMilli() })
	return w, f, nil
}

// runTarget executes one backup run for a single configured target,
// writing its own NDJSON run log.
func runTarget(ctx context.Context, ac *app.Context, targetID string) error {
	target, endpoint, err := ac.Target(targetID)
	if err != nil {
		return err
	}
	masterKey, err := ac.MasterKey()
	if err != nil {
		return errors.AddContext(err, "televybackupd: unable to load master key")
	}
	store, err := ac.OpenIndex(endpoint.EndpointID)
	if err != nil {
		return errors.AddContext(err, "televybackupd: unable to open index")
	}

	chunking := ac.Config.Chunking
	if chunking.MinBytes == 0 {
		chunking = config.DefaultChunking()
	}

	runID := persist.UID()
	w, f, err := openRunLog(ac.LogDir, "backup", runID)
	if err != nil {
		return err
	}
	defer f.Close()
	_ = w.RunStart()

	eng := backupengine.New(backupengine.Config{
		Store:                store,
		Storage:              ac.Storage(endpoint.EndpointID),
		MasterKey:            masterKey,
		Peer:                 endpoint.ChatID,
		Provider:             app.Provider(endpoint.EndpointID),
		TargetID:             target.TargetID,
		SourcePath:           target.SourcePath,
		Label:                target.Label,
		Excludes:             target.Excludes,
		Chunking:             chunker.Params{MinBytes: chunking.MinBytes, AvgBytes: chunking.AvgBytes, MaxBytes: chunking.MaxBytes},
		MaxConcurrentUploads: endpoint.RateLimit.MaxConcurrentUploads,
		MinDelayMs:           endpoint.RateLimit.MinDelayMs,
		UploadBPS:            endpoint.RateLimit.UploadBPS,
		DBPath:               ac.IndexPath(endpoint.EndpointID),
		StatusEmitter:        w,
	})
	defer func() { _ = eng.Store().Close() }()

	res, runErr := eng.Run(ctx)
	fmt.Printf("target %s: status=%s files=%d chunks=%d uploaded=%d deduped=%d\n",
		target.TargetID, res.Status, res.FilesDone, res.ChunksDone, res.BytesUploaded, res.BytesDeduped)
	return runErr
}

// runAllTargets runs every configured target once, sequentially,
// collecting (not stopping on) individual failures so one broken target
// doesn't block the rest.
func runAllTargets(ctx context.Context, ac *app.Context, logger *persist.Logger) {
	for _, t := range ac.Config.Targets {
		if err := runTarget(ctx, ac, t.TargetID); err != nil {
			logger.Println("target", t.TargetID, "failed:", err)
			fmt.Fprintf(os.Stderr, "televybackupd: target %s failed: %v\n", t.TargetID, err)
		} else {
			logger.Println("target", t.TargetID, "finished")
		}
	}
}

// startDaemon loads configuration and either runs every target once
// (--once) or watches $DATA_DIR/control/backup-now for manual-run
// requests until a kill signal arrives. The cron-driven schedule
// itself lives outside this binary; this loop only
// reacts to the trigger file it writes.
func startDaemon(cfg daemonConfig) error {
	ac, err := app.Load()
	if err != nil {
		return errors.AddContext(err, "televybackupd: unable to load configuration")
	}
	if err := os.MkdirAll(ac.LogDir, 0700); err != nil {
		return errors.AddContext(err, "televybackupd: unable to create log directory")
	}
	logger, err := persist.NewFileLogger(filepath.Join(ac.LogDir, "televybackupd.log"))
	if err != nil {
		return errors.AddContext(err, "televybackupd: unable to open daemon log")
	}
	defer logger.Close()
	logger.Println("daemon starting,", len(ac.Config.Targets), "target(s),", len(ac.Config.TelegramEndpoint), "endpoint(s)")
	fmt.Println("TelevyBackup Daemon v" + build.Version)
	fmt.Printf("config: %d target(s), %d endpoint(s)\n", len(ac.Config.Targets), len(ac.Config.TelegramEndpoint))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := installKillSignalHandler()
	go func() {
		<-sigChan
		fmt.Println("\rCaught stop signal, finishing in-flight run...")
		cancel()
	}()

	if cfg.once {
		runAllTargets(ctx, ac, logger)
		return nil
	}

	poll, err := time.ParseDuration(cfg.pollInterval)
	if err != nil || poll <= 0 {
		poll = 2 * time.Second
	}
	if err := os.MkdirAll(filepath.Join(ac.DataDir, "control"), 0700); err != nil {
		return errors.AddContext(err, "televybackupd: unable to create control directory")
	}
	fmt.Println("Watching for control/backup-now trigger...")
	for {
		if err := ac.WaitForBackupTrigger(ctx, poll); err != nil {
			logger.Println("daemon shutting down")
			return nil // context cancelled by signal handler; clean shutdown
		}
		logger.Println("manual-run trigger observed")
		runAllTargets(ctx, ac, logger)
	}
}

// startDaemonCmd is the cobra Run for the daemon's root command.
func startDaemonCmd(*cobra.Command, []string) {
	if err := startDaemon(globalConfig); err != nil {
		die(err)
	}
	fmt.Println("Shutdown complete.")
}
