// Package app assembles the archiver: it constructs every adapter (broker,
// relational store, object store, Telegram client, translation) exactly
// once in Init and hands explicit references into the four services —
// discovery, listener, processor, import — with no package-level mutable
// state anywhere.
package app

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/archivist/tgarchiver/internal/broker"
	"github.com/archivist/tgarchiver/internal/domain/backfill"
	"github.com/archivist/tgarchiver/internal/domain/discovery"
	"github.com/archivist/tgarchiver/internal/domain/listener"
	"github.com/archivist/tgarchiver/internal/domain/processor"
	"github.com/archivist/tgarchiver/internal/importpipeline"
	"github.com/archivist/tgarchiver/internal/infra/config"
	"github.com/archivist/tgarchiver/internal/infra/logger"
	"github.com/archivist/tgarchiver/internal/infra/throttle"
	"github.com/archivist/tgarchiver/internal/media"
	"github.com/archivist/tgarchiver/internal/store/objectstore"
	"github.com/archivist/tgarchiver/internal/store/relstore"
	"github.com/archivist/tgarchiver/internal/telegram"
	tgclient "github.com/archivist/tgarchiver/internal/telegram/client"
	"github.com/archivist/tgarchiver/internal/telegram/peersmgr"
	"github.com/archivist/tgarchiver/internal/translate"
)

// App holds every constructed adapter and service for one archiver
// process.
type App struct {
	cfg *config.Config

	db  *sql.DB
	brk *broker.Broker

	channels *relstore.ChannelStore
	messages *relstore.MessageStore
	imports  *relstore.ImportStore

	objstore   *objectstore.Store
	translator translate.Translator

	tgc        *tgclient.Client
	peers      *peersmgr.Service
	dlThrottle *throttle.Throttler

	discovery    *discovery.Service
	listener     *listener.Service
	backfill     *backfill.Service
	worker       *processor.Worker
	importWorker *importpipeline.Worker

	metrics *processor.Metrics
}

// Init constructs and connects every adapter. It fails fast: any store or
// broker that cannot be reached at startup aborts the process rather than
// limping into a half-connected state.
func Init(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, metrics: &processor.Metrics{}}

	// Relational store + migrations, before anything that reads it.
	db, err := relstore.Open(cfg.RelationalDSN)
	if err != nil {
		return nil, errors.Wrap(err, "relational store")
	}
	a.db = db
	if err := relstore.Migrate(db, cfg.MigrationsPath); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "migrations")
	}
	a.channels = relstore.NewChannelStore(db)
	a.messages = relstore.NewMessageStore(db)
	a.imports = relstore.NewImportStore(db)

	// Broker.
	opts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "broker url")
	}
	a.brk = broker.New(redis.NewClient(opts))
	if err := a.brk.Ping(ctx); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "broker ping")
	}
	if err := a.brk.EnsureConsumerGroups(ctx); err != nil {
		a.Close()
		return nil, err
	}

	// Object store.
	a.objstore, err = objectstore.New(ctx, objectstore.Config{
		Endpoint:  cfg.ObjectStoreEndpoint,
		Region:    cfg.ObjectStoreRegion,
		Bucket:    cfg.ObjectStoreBucket,
		AccessKey: cfg.ObjectStoreAccessKey,
		SecretKey: cfg.ObjectStoreSecretKey,
	})
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "object store")
	}

	// Translation is optional; without a key the processor runs untranslated.
	if cfg.TranslationEnabled && cfg.TranslationAPIKey != "" {
		a.translator = translate.NewOpenAIAdapter(cfg.TranslationAPIKey, cfg.TranslationModel, "")
	}

	// Peer cache first: the Telegram client hooks its storage into
	// update handling at construction time.
	a.peers, err = peersmgr.New(cfg.PeersDBFile)
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "peers cache")
	}
	a.tgc, err = tgclient.New(cfg, a.peers.Store())
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "telegram client")
	}
	a.peers.BindAPI(a.tgc.API)

	a.buildServices()
	return a, nil
}

// buildServices wires the four services over the constructed adapters.
func (a *App) buildServices() {
	cfg := a.cfg
	fetcher := telegram.NewFetcher(a.tgc.API)

	// Pace media downloads and absorb flood-waits without failing the
	// pipeline entry; the budget is per-process since the session is.
	a.dlThrottle = throttle.New(4,
		throttle.WithWaitExtractors(telegram.FloodWaitExtractor()),
		throttle.WithMaxRetries(3),
	)
	archiver := media.New(a.tgc.API, a.objstore, a.messages, a.dlThrottle)

	pipeline := processor.NewPipeline(a.channels, a.messages, a.translator, fetcher, archiver, processor.Config{
		TranslationEnabled: cfg.TranslationEnabled,
		TranslationTarget:  cfg.TranslationTarget,
	})
	consumer := broker.NewConsumer(a.brk, cfg.ProcessorBatchSize)
	a.worker = processor.NewWorker(a.brk, consumer, pipeline, a.metrics, cfg.ProcessorWorkers)

	a.listener = listener.New(a.tgc.Dispatcher, fetcher, a.brk, a.peers, cfg.SourceAccount)

	a.discovery = discovery.New(a.tgc.API, a.peers, a.channels, a.tgc.Monitor, discovery.Config{
		FolderName:           cfg.FolderName,
		DiscoveryInterval:    time.Duration(cfg.DiscoveryIntervalSeconds) * time.Second,
		GapDetectionEnabled:  cfg.GapDetectionEnabled,
		GapThreshold:         time.Duration(cfg.GapThresholdHours) * time.Hour,
		GapCheckInterval:     time.Duration(cfg.GapCheckIntervalSeconds) * time.Second,
		GapMaxChannelsPerRun: cfg.GapMaxChannelsPerCheck,
		BackfillOnDiscovery:  cfg.BackfillEnabled && cfg.BackfillMode == "on_discovery",
	}, cfg.SourceAccount)
	a.discovery.OnChannelSetChanged(a.listener.UpdateChannelSet)

	a.backfill = backfill.New(a.tgc.API, a.brk, a.channels, a.messages, a.peers, a.tgc.Monitor, backfill.Config{
		Enabled:    cfg.BackfillEnabled,
		StartDate:  cfg.BackfillStartDate,
		BatchSize:  cfg.BackfillBatchSize,
		BatchDelay: time.Duration(cfg.BackfillDelayMS) * time.Millisecond,
	}, cfg.SourceAccount)

	validator := importpipeline.NewValidator(a.tgc.API, a.imports)
	joiner := importpipeline.NewJoiner(a.tgc.API, a.imports, importpipeline.NewFolderManager(a.tgc.API))
	a.importWorker = importpipeline.NewWorker(a.brk, a.imports, validator, joiner)
}

// Close releases every connection Init opened. Safe to call after a
// partial Init failure.
func (a *App) Close() {
	if a.peers != nil {
		if err := a.peers.Close(); err != nil {
			logger.Errorf("close peers cache: %v", err)
		}
	}
	if a.brk != nil {
		if err := a.brk.Close(); err != nil {
			logger.Errorf("close broker: %v", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Errorf("close relational store: %v", err)
		}
	}
}
