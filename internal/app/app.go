package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/a-marczewski/ppewatch/internal/config"
	"github.com/a-marczewski/ppewatch/internal/detector"
	"github.com/a-marczewski/ppewatch/internal/logging"
	"github.com/a-marczewski/ppewatch/internal/objectstore"
	"github.com/a-marczewski/ppewatch/internal/pipeline"
	"github.com/a-marczewski/ppewatch/internal/ppe"
	"github.com/a-marczewski/ppewatch/internal/storage"
	"go.uber.org/zap"
)

// ErrNoDetector is returned by StartPipeline when no detector command is
// configured and none was supplied.
var ErrNoDetector = errors.New("no detector configured")

const shutdownTimeout = 30 * time.Second

// NewApp loads configuration from cfgPath (or the default location when
// empty) and opens the logger, database and object store.
func NewApp(cfgPath string) (*App, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return NewAppWithConfig(cfg)
}

// NewAppWithConfig builds an App from an already loaded configuration.
func NewAppWithConfig(cfg *config.Config) (*App, error) {
	logFile := cfg.LogFile
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(cfg.DataDir, logFile)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, logFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := storage.NewDB(cfg)
	if err != nil {
		logger.Error("Failed to initialize database", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	objects, err := objectstore.New(ctx, cfg, logger)
	if err != nil {
		cancel()
		db.Close()
		logger.Error("Failed to initialize object store", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}

	var videos *objectstore.VideoUploader
	if objects != nil {
		videos = objectstore.NewVideoUploader(objects, cfg.VideoPrefix, logger)
	}

	return &App{
		Core: CoreModule{
			Config: cfg,
			Logger: logger,
			DB:     db,
		},
		Storage: StorageModule{
			Frames:  storage.NewFrameRecorder(db, logger),
			Objects: objects,
			Videos:  videos,
		},
		Monitor: ppe.NewMonitor(cfg.PPEConfig()),
		Ctx:     ctx,
		Cancel:  cancel,
	}, nil
}

// StartPipeline wires the detector and starts the session manager. When det
// is nil the configured detector command is launched as a subprocess.
func (a *App) StartPipeline(det detector.Detector) error {
	cfg := a.Core.Config
	if a.Pipeline != nil {
		return nil
	}

	if det == nil {
		if cfg.DetectorCommand == "" {
			return ErrNoDetector
		}
		proc, err := detector.StartSubprocess(a.Ctx, detector.SubprocessConfig{
			Command:      cfg.DetectorCommand,
			Args:         cfg.DetectorArgs,
			Dir:          cfg.Root,
			WriteTimeout: cfg.DetectorWriteTimeout(),
		}, a.Core.Logger.Named("detector"))
		if err != nil {
			return fmt.Errorf("failed to start detector: %w", err)
		}
		a.Detection.Subprocess = proc
		det = proc
	}
	a.Detection.Detector = det

	a.Pipeline = pipeline.NewManager(pipeline.Deps{
		Detector: det,
		Monitor:  a.Monitor,
		Recorder: a.Storage.Frames,
		Store:    a.Storage.Objects,
		Logger:   a.Core.Logger,
	}, pipeline.Options{
		DetectionWorkers: cfg.DetectionWorkers,
		DetectionQueue:   cfg.DetectionQueue,
		StorageWorkers:   cfg.StorageWorkers,
		StorageQueue:     cfg.StorageQueue,
		DetectionTimeout: cfg.DetectionTimeout(),
		SessionBuffer:    cfg.SessionBuffer,
		UploadFrames:     cfg.UploadFrames,
		FramePrefix:      cfg.FramePrefix,
	})

	a.Core.Logger.Info("Pipeline started",
		zap.Int("detection_workers", cfg.DetectionWorkers),
		zap.Int("storage_workers", cfg.StorageWorkers),
		zap.Int("window", cfg.Window),
		zap.String("untracked_evidence", string(cfg.UntrackedPolicy)))
	return nil
}

// Close gracefully shuts down the application resources.
func (a *App) Close() {
	if a.Pipeline != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.Pipeline.Shutdown(ctx); err != nil {
			a.Core.Logger.Warn("Pipeline shutdown incomplete", zap.Error(err))
		}
		cancel()
	}

	if a.Detection.Subprocess != nil {
		if err := a.Detection.Subprocess.Stop(); err != nil {
			a.Core.Logger.Warn("Detector process exited with error", zap.Error(err))
		}
	}

	// Cancel the context to stop any running goroutines
	if a.Cancel != nil {
		a.Cancel()
	}

	if a.Core.DB != nil {
		if err := a.Core.DB.Close(); err != nil {
			a.Core.Logger.Error("Failed to close database connection", zap.Error(err))
		} else {
			a.Core.Logger.Info("Database connection closed.")
		}
	}
	if a.Core.Logger != nil {
		if err := a.Core.Logger.Sync(); err != nil {
			// Syncing stderr fails on some terminals; those errors are noise.
			if !strings.Contains(err.Error(), "sync /dev/stderr: invalid argument") &&
				!strings.Contains(err.Error(), "sync <file descriptor>: bad file descriptor") &&
				!strings.Contains(err.Error(), "sync /dev/stderr: inappropriate ioctl for device") {
				fmt.Fprintf(os.Stderr, "Error syncing logger: %v\n", err)
			}
		}
	}
}

// ContextWithLogger returns a new context with the application's logger.
func (a *App) ContextWithLogger(ctx context.Context) context.Context {
	return logging.ContextWithLogger(ctx, a.Core.Logger)
}

// LoggerFromContext retrieves the logger from the given context, or returns the default app logger.
func (a *App) LoggerFromContext(ctx context.Context) *zap.Logger {
	return logging.FromContextOr(ctx, a.Core.Logger)
}
