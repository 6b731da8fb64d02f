package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"go.uber.org/zap"

	"github.com/markdave123-py/contractdocs/internal/config"
	"github.com/markdave123-py/contractdocs/internal/core"
	"github.com/markdave123-py/contractdocs/internal/core/awsconfig"
	"github.com/markdave123-py/contractdocs/internal/core/chunkstore"
	db "github.com/markdave123-py/contractdocs/internal/core/database"
	"github.com/markdave123-py/contractdocs/internal/core/ingestion_engine"
	"github.com/markdave123-py/contractdocs/internal/core/jobqueue"
	"github.com/markdave123-py/contractdocs/internal/core/notify"
	objectclient "github.com/markdave123-py/contractdocs/internal/core/object-client"
	"github.com/markdave123-py/contractdocs/internal/core/ocr"
	"github.com/markdave123-py/contractdocs/internal/core/pagestore"
	"github.com/markdave123-py/contractdocs/internal/core/upload"
	"github.com/markdave123-py/contractdocs/internal/models"
	"github.com/markdave123-py/contractdocs/internal/services"
)

type App struct {
	DBClient core.DbClient
	Queue    *jobqueue.Queue
	Server   *Server

	log        *zap.Logger
	sweepEvery time.Duration
	closers    []func() error
}

// NewApp wires storage, notifications, the job queue, extraction and the HTTP server.
func NewApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	a := &App{log: log, sweepEvery: cfg.JobSweepEvery}

	dbClient, err := db.Open(appCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DBClient = dbClient
	a.closers = append(a.closers, dbClient.Close)
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
	} else {
		log.Info("database initialized and ready")
	}

	store, err := chunkstore.New(cfg.UploadRoot)
	if err != nil {
		a.Close()
		return nil, err
	}

	var notifier core.Notifier = notify.NewLogNotifier(log.Named("notify"))
	if cfg.RedisAddr != "" {
		pub, err := notify.NewRedisPublisher(appCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.NotifyChannel)
		if err != nil {
			a.Close()
			return nil, err
		}
		notifier = pub
		a.closers = append(a.closers, pub.Close)
		log.Info("publishing notifications to redis", zap.String("channel", cfg.NotifyChannel))
	}

	var awsCfg *aws.Config
	if cfg.BucketName != "" || cfg.OCRProvider == "textract" {
		c, err := awsconfig.Load(appCtx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		awsCfg = &c
	}

	var objects core.ObjectClient
	if cfg.BucketName != "" {
		objects = objectclient.NewS3Client(*awsCfg)
		log.Info("mirroring documents to s3", zap.String("bucket", cfg.BucketName))
	}

	var provider core.OCRProvider
	if cfg.OCRProvider == "textract" {
		provider = ocr.NewTextractFromConfig(*awsCfg, cfg.OCRTimeout)
	}

	queue, err := jobqueue.New(dbClient, log, jobqueue.Options{
		Workers:      cfg.JobWorkers,
		JobTimeout:   cfg.JobTimeout,
		MaxAttempts:  cfg.JobMaxAttempts,
		RetryBackoff: cfg.JobRetryBackoff,
		StaleAfter:   cfg.JobStaleAfter,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Queue = queue

	pages := pagestore.New(dbClient)
	dispatcher := ingestion_engine.NewDispatcher(dbClient, store, pages, notifier, log, Strategies(cfg, provider))
	queue.Register(models.JobTextExtraction, dispatcher)

	coord := upload.NewCoordinator(dbClient, store, queue, notifier, objects, log, upload.Options{
		ChunkSize:          cfg.ChunkSize,
		Bucket:             cfg.BucketName,
		ConsolidateTimeout: cfg.ConsolidateTimeout,
	})
	docs := services.NewDocumentService(dbClient, coord, pages, services.Policy{
		MaxFileSize:         cfg.MaxFileSize,
		MaxFilesPerContract: cfg.MaxFilesPerContract,
		MimeAllowed:         cfg.MimeAllowed,
	})

	a.Server = NewServer(cfg, docs, log)
	return a, nil
}

// Strategies builds the extractor set. Without an OCR provider, images are
// rejected and the PDF chain stops after pdftotext.
func Strategies(cfg *config.Config, provider core.OCRProvider) ingestion_engine.Strategies {
	s := ingestion_engine.Strategies{
		PlainText: ingestion_engine.NewPlainTextStrategy(cfg.ToolTimeout),
		Word:      ingestion_engine.NewWordStrategy(cfg.ToolTimeout),
		PDF: []core.ExtractionStrategy{
			ingestion_engine.NewNativePDFStrategy(cfg.ToolTimeout),
			ingestion_engine.NewPdftotextStrategy(cfg.PdftotextBin, cfg.ToolTimeout),
		},
	}
	if provider != nil {
		s.Image = ingestion_engine.NewImageStrategy(provider, cfg.OCRTimeout)
		raster := &ingestion_engine.PdftoppmRasterizer{Bin: cfg.PdftoppmBin, DPI: cfg.OCRDPI, Timeout: cfg.ToolTimeout}
		// the whole OCR tier may run as long as the job itself
		s.PDF = append(s.PDF, ingestion_engine.NewOCRPDFStrategy(provider, raster, cfg.OCRConcurrency, cfg.JobTimeout))
	}
	return s
}

// Recover requeues jobs interrupted by a previous shutdown or crash, then keeps
// sweeping for stale jobs in the background until ctx ends.
func (a *App) Recover(ctx context.Context) error {
	n, err := a.Queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if n > 0 {
		a.log.Info("resumed pending jobs", zap.Int("jobs", n))
	}
	go a.Queue.Sweep(ctx, a.sweepEvery)
	return nil
}

// Close drains the queue and releases connections, newest first.
func (a *App) Close() {
	if a.Queue != nil {
		if err := a.Queue.Close(30 * time.Second); err != nil {
			a.log.Warn("job queue did not drain", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
}
