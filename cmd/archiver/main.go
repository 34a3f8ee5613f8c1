// Command archiver runs the Telegram channel archiver: discovery,
// live listener, backfill, processor workers, and the folder import
// pipeline, all in one process sharing a single MTProto session.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/archivist/tgarchiver/internal/app"
	"github.com/archivist/tgarchiver/internal/broker"
	"github.com/archivist/tgarchiver/internal/importpipeline"
	"github.com/archivist/tgarchiver/internal/infra/config"
	"github.com/archivist/tgarchiver/internal/infra/logger"
	"github.com/archivist/tgarchiver/internal/store/relstore"
)

func main() {
	envPath := flag.String("env", ".env", "path to .env file (empty to use process environment only)")
	logLevel := flag.String("log-level", "", "override LOG_LEVEL from config")
	migrateOnly := flag.Bool("migrate-only", false, "apply schema migrations and exit")
	importCSV := flag.String("import-csv", "", "create a folder-import job from a CSV of channel identifiers and exit")
	importFolder := flag.String("import-folder", "", "target folder name for -import-csv (defaults to the monitored folder)")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger.Init(level)
	if cfg.LogFile != "" {
		logger.EnableFileRotation(cfg.LogFile, 100, 5, 30)
	}
	for _, msg := range cfg.Warnings {
		logger.Warn(msg)
	}

	if *migrateOnly {
		db, err := relstore.Open(cfg.RelationalDSN)
		if err != nil {
			logger.Fatal("open relational store: " + err.Error())
		}
		defer db.Close()
		if err := relstore.Migrate(db, cfg.MigrationsPath); err != nil {
			logger.Fatal("migrate: " + err.Error())
		}
		logger.Infof("migrations applied")
		return
	}

	if *importCSV != "" {
		folder := *importFolder
		if folder == "" {
			folder = cfg.FolderName
		}
		if err := createImportJob(cfg, *importCSV, folder); err != nil {
			logger.Fatal("create import job: " + err.Error())
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP re-reads LOG_LEVEL so verbosity can change without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			next := os.Getenv("LOG_LEVEL")
			logger.SetLevel(next)
			logger.Infof("log level reloaded to %q", next)
		}
	}()

	a, err := app.Init(ctx, cfg)
	if err != nil {
		stop()
		log.Fatalf("init: %v", err)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		stop()
		log.Fatalf("run: %v", err)
	}
	logger.Infof("graceful shutdown complete")
}

// createImportJob reads the CSV, persists a job in validating state, and
// pokes the running archiver's import worker over the signal stream. The
// worker's database poll picks the job up even if the poke is lost.
func createImportJob(cfg *config.Config, csvPath, folder string) error {
	identifiers, err := importpipeline.ReadIdentifiersCSV(csvPath)
	if err != nil {
		return err
	}
	if len(identifiers) == 0 {
		return errEmptyCSV
	}

	db, err := relstore.Open(cfg.RelationalDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	job := &importpipeline.Job{
		FolderName: folder,
		SourceFile: filepath.Base(csvPath),
		Status:     importpipeline.JobValidating,
		CreatedBy:  cfg.SourceAccount,
	}
	if err := relstore.NewImportStore(db).CreateJob(ctx, job, identifiers); err != nil {
		return err
	}

	opts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		return err
	}
	brk := broker.New(redis.NewClient(opts))
	defer brk.Close()
	if err := brk.SignalImportJob(ctx, job.ID.String()); err != nil {
		logger.Warnf("import job %s created but signal failed (worker poll will pick it up): %v", job.ID, err)
	}

	logger.Infof("import job %s created: %d candidates, folder %q", job.ID, len(identifiers), folder)
	return nil
}

var errEmptyCSV = errors.New("csv contains no channel identifiers")
