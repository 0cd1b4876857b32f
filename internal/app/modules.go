package app

import (
	"context"

	"github.com/a-marczewski/ppewatch/internal/config"
	"github.com/a-marczewski/ppewatch/internal/detector"
	"github.com/a-marczewski/ppewatch/internal/objectstore"
	"github.com/a-marczewski/ppewatch/internal/pipeline"
	"github.com/a-marczewski/ppewatch/internal/ppe"
	"github.com/a-marczewski/ppewatch/internal/storage"
	"go.uber.org/zap"
)

// CoreModule holds the core application components
type CoreModule struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *storage.DB
}

// StorageModule holds the persistence components. Objects and Videos are
// nil when the object store backend is "none".
type StorageModule struct {
	Frames  *storage.FrameRecorder
	Objects objectstore.Store
	Videos  *objectstore.VideoUploader
}

// DetectionModule holds the detection backend. Subprocess is set when the
// detector runs as a child process owned by the App.
type DetectionModule struct {
	Detector   detector.Detector
	Subprocess *detector.Subprocess
}

// App holds the core components of the application grouped by concern.
// Detection and Pipeline are populated by StartPipeline.
type App struct {
	Core      CoreModule
	Storage   StorageModule
	Detection DetectionModule
	Monitor   *ppe.Monitor
	Pipeline  *pipeline.Manager
	Ctx       context.Context
	Cancel    context.CancelFunc
}
