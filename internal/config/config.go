package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/a-marczewski/ppewatch/internal/ppe"
)

const (
	DefaultListenAddr              = ":8000"
	DefaultMaxUploadMB             = 2048
	DefaultMaxFrameMB              = 16
	DefaultDetectionWorkers        = 10
	DefaultDetectionQueue          = 32
	DefaultStorageWorkers          = 5
	DefaultStorageQueue            = 128
	DefaultDetectionTimeoutSeconds = 5
	DefaultSessionBuffer           = 16
	DefaultDBMaxConns              = 20
	DefaultBucket                  = "ai-search-video"
	DefaultRegion                  = "us-east-1"
	DefaultVideoPrefix             = "ai_search_videos/"
	DefaultFramePrefix             = "ppe_frames/"
	DefaultPartSizeMB              = 5
	DefaultUploadConcurrency       = 10
	DefaultDetectorWriteTimeout    = 2

	BackendS3    = "s3"
	BackendLocal = "local"
	BackendNone  = "none"
)

// Config holds the application configuration
type Config struct {
	ListenAddr     string
	MaxUploadMB    int
	MaxFrameMB     int
	AllowedOrigins []string

	DetectionWorkers        int
	DetectionQueue          int
	StorageWorkers          int
	StorageQueue            int
	DetectionTimeoutSeconds int
	SessionBuffer           int

	// PPE evaluation
	Window               int
	Thresholds           ppe.Thresholds
	UntrackedPolicy      ppe.UntrackedPolicy
	AlertOnFirstSighting bool

	DBPath     string
	DBMaxConns int

	// Object store
	ObjectBackend     string
	Bucket            string
	Region            string
	Endpoint          string
	LocalObjectDir    string
	PublicBaseURL     string
	VideoPrefix       string
	FramePrefix       string
	UploadFrames      bool
	PartSizeMB        int
	UploadConcurrency int

	// Detector worker process
	DetectorCommand             string
	DetectorArgs                []string
	DetectorWriteTimeoutSeconds int

	LogLevel   string
	LogFile    string
	ConfigPath string
	DataDir    string
	Root       string
}

type fileConfig struct {
	Server struct {
		Listen         string   `toml:"listen"`
		MaxUploadMB    int      `toml:"max_upload_mb"`
		MaxFrameMB     int      `toml:"max_frame_mb"`
		AllowedOrigins []string `toml:"allowed_origins"`
	} `toml:"server"`
	Pipeline struct {
		DetectionWorkers        int `toml:"detection_workers"`
		DetectionQueue          int `toml:"detection_queue"`
		StorageWorkers          int `toml:"storage_workers"`
		StorageQueue            int `toml:"storage_queue"`
		DetectionTimeoutSeconds int `toml:"detection_timeout_seconds"`
		SessionBuffer           int `toml:"session_buffer"`
	} `toml:"pipeline"`
	PPE struct {
		Window               int                `toml:"window"`
		UntrackedEvidence    string             `toml:"untracked_evidence"`
		AlertOnFirstSighting *bool              `toml:"alert_on_first_sighting"`
		Thresholds           map[string]float64 `toml:"thresholds"`
	} `toml:"ppe"`
	Database struct {
		Path     string `toml:"path"`
		MaxConns int    `toml:"max_conns"`
	} `toml:"database"`
	ObjectStore struct {
		Backend           string `toml:"backend"`
		Bucket            string `toml:"bucket"`
		Region            string `toml:"region"`
		Endpoint          string `toml:"endpoint"`
		LocalDir          string `toml:"local_dir"`
		PublicBaseURL     string `toml:"public_base_url"`
		VideoPrefix       string `toml:"video_prefix"`
		FramePrefix       string `toml:"frame_prefix"`
		UploadFrames      bool   `toml:"upload_frames"`
		PartSizeMB        int    `toml:"part_size_mb"`
		UploadConcurrency int    `toml:"upload_concurrency"`
	} `toml:"object_store"`
	Detector struct {
		Command             string   `toml:"command"`
		Args                []string `toml:"args"`
		WriteTimeoutSeconds int      `toml:"write_timeout_seconds"`
	} `toml:"detector"`
	Logging struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"logging"`
}

// Default returns the built-in configuration rooted at root.
func Default(root string) *Config {
	dataDir := GetDataDir(root)
	return &Config{
		ListenAddr:                  DefaultListenAddr,
		MaxUploadMB:                 DefaultMaxUploadMB,
		MaxFrameMB:                  DefaultMaxFrameMB,
		AllowedOrigins:              []string{"*"},
		DetectionWorkers:            DefaultDetectionWorkers,
		DetectionQueue:              DefaultDetectionQueue,
		StorageWorkers:              DefaultStorageWorkers,
		StorageQueue:                DefaultStorageQueue,
		DetectionTimeoutSeconds:     DefaultDetectionTimeoutSeconds,
		SessionBuffer:               DefaultSessionBuffer,
		Window:                      ppe.DefaultWindow,
		Thresholds:                  ppe.DefaultThresholds(),
		UntrackedPolicy:             ppe.UntrackedAccumulate,
		AlertOnFirstSighting:        true,
		DBPath:                      filepath.Join(dataDir, "ppewatch.sqlite3"),
		DBMaxConns:                  DefaultDBMaxConns,
		ObjectBackend:               BackendLocal,
		Bucket:                      DefaultBucket,
		Region:                      DefaultRegion,
		LocalObjectDir:              filepath.Join(dataDir, "objects"),
		VideoPrefix:                 DefaultVideoPrefix,
		FramePrefix:                 DefaultFramePrefix,
		PartSizeMB:                  DefaultPartSizeMB,
		UploadConcurrency:           DefaultUploadConcurrency,
		DetectorWriteTimeoutSeconds: DefaultDetectorWriteTimeout,
		LogLevel:                    "info",
		LogFile:                     filepath.Join(dataDir, "logs", "ppewatch.log"),
		ConfigPath:                  filepath.Join(dataDir, "config.toml"),
		DataDir:                     dataDir,
		Root:                        root,
	}
}

// LoadConfig loads configuration from file, environment variables, and
// defaults. An empty path selects .ppewatch/config.toml under the deployment
// root.
func LoadConfig(path string) (*Config, error) {
	root, err := FindDeploymentRoot()
	if err != nil {
		return nil, err
	}
	cfg := Default(root)
	if path != "" {
		cfg.ConfigPath = path
	}

	if err := EnsureDataDirs(cfg.DataDir); err != nil {
		return nil, err
	}

	if _, err := os.Stat(cfg.ConfigPath); err == nil {
		fileData, err := os.ReadFile(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.applyFile(fileData); err != nil {
			return nil, fmt.Errorf("parse %s: %w", cfg.ConfigPath, err)
		}
	} else if path != "" {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	cfg.VideoPrefix = normalizePrefix(cfg.VideoPrefix)
	cfg.FramePrefix = normalizePrefix(cfg.FramePrefix)
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")

	return cfg, nil
}

func (cfg *Config) applyFile(data []byte) error {
	var parsed fileConfig
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return err
	}

	if parsed.Server.Listen != "" {
		cfg.ListenAddr = parsed.Server.Listen
	}
	if parsed.Server.MaxUploadMB > 0 {
		cfg.MaxUploadMB = parsed.Server.MaxUploadMB
	}
	if parsed.Server.MaxFrameMB > 0 {
		cfg.MaxFrameMB = parsed.Server.MaxFrameMB
	}
	if parsed.Server.AllowedOrigins != nil {
		cfg.AllowedOrigins = parsed.Server.AllowedOrigins
	}

	if parsed.Pipeline.DetectionWorkers > 0 {
		cfg.DetectionWorkers = parsed.Pipeline.DetectionWorkers
	}
	if parsed.Pipeline.DetectionQueue > 0 {
		cfg.DetectionQueue = parsed.Pipeline.DetectionQueue
	}
	if parsed.Pipeline.StorageWorkers > 0 {
		cfg.StorageWorkers = parsed.Pipeline.StorageWorkers
	}
	if parsed.Pipeline.StorageQueue > 0 {
		cfg.StorageQueue = parsed.Pipeline.StorageQueue
	}
	if parsed.Pipeline.DetectionTimeoutSeconds > 0 {
		cfg.DetectionTimeoutSeconds = parsed.Pipeline.DetectionTimeoutSeconds
	}
	if parsed.Pipeline.SessionBuffer > 0 {
		cfg.SessionBuffer = parsed.Pipeline.SessionBuffer
	}

	if parsed.PPE.Window > 0 {
		cfg.Window = parsed.PPE.Window
	}
	if parsed.PPE.UntrackedEvidence != "" {
		policy, err := ppe.ParseUntrackedPolicy(parsed.PPE.UntrackedEvidence)
		if err != nil {
			return err
		}
		cfg.UntrackedPolicy = policy
	}
	if parsed.PPE.AlertOnFirstSighting != nil {
		cfg.AlertOnFirstSighting = *parsed.PPE.AlertOnFirstSighting
	}
	for name, value := range parsed.PPE.Thresholds {
		class, err := ppe.ParseClass(name)
		if err != nil {
			return err
		}
		cfg.Thresholds[class] = value
	}

	if parsed.Database.Path != "" {
		cfg.DBPath = parsed.Database.Path
	}
	if parsed.Database.MaxConns > 0 {
		cfg.DBMaxConns = parsed.Database.MaxConns
	}

	store := parsed.ObjectStore
	if store.Backend != "" {
		cfg.ObjectBackend = store.Backend
	}
	if store.Bucket != "" {
		cfg.Bucket = store.Bucket
	}
	if store.Region != "" {
		cfg.Region = store.Region
	}
	if store.Endpoint != "" {
		cfg.Endpoint = store.Endpoint
	}
	if store.LocalDir != "" {
		cfg.LocalObjectDir = store.LocalDir
	}
	if store.PublicBaseURL != "" {
		cfg.PublicBaseURL = store.PublicBaseURL
	}
	if store.VideoPrefix != "" {
		cfg.VideoPrefix = store.VideoPrefix
	}
	if store.FramePrefix != "" {
		cfg.FramePrefix = store.FramePrefix
	}
	cfg.UploadFrames = store.UploadFrames
	if store.PartSizeMB > 0 {
		cfg.PartSizeMB = store.PartSizeMB
	}
	if store.UploadConcurrency > 0 {
		cfg.UploadConcurrency = store.UploadConcurrency
	}

	if parsed.Detector.Command != "" {
		cfg.DetectorCommand = parsed.Detector.Command
	}
	if len(parsed.Detector.Args) > 0 {
		cfg.DetectorArgs = parsed.Detector.Args
	}
	if parsed.Detector.WriteTimeoutSeconds > 0 {
		cfg.DetectorWriteTimeoutSeconds = parsed.Detector.WriteTimeoutSeconds
	}

	if parsed.Logging.Level != "" {
		cfg.LogLevel = parsed.Logging.Level
	}
	if parsed.Logging.File != "" {
		cfg.LogFile = parsed.Logging.File
	}
	return nil
}

func (cfg *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PPEWATCH_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"PPEWATCH_MAX_UPLOAD_MB", &cfg.MaxUploadMB},
		{"PPEWATCH_MAX_FRAME_MB", &cfg.MaxFrameMB},
		{"PPEWATCH_DETECTION_WORKERS", &cfg.DetectionWorkers},
		{"PPEWATCH_DETECTION_QUEUE", &cfg.DetectionQueue},
		{"PPEWATCH_STORAGE_WORKERS", &cfg.StorageWorkers},
		{"PPEWATCH_STORAGE_QUEUE", &cfg.StorageQueue},
		{"PPEWATCH_DETECTION_TIMEOUT_SECONDS", &cfg.DetectionTimeoutSeconds},
		{"PPEWATCH_PPE_WINDOW", &cfg.Window},
		{"PPEWATCH_DB_MAX_CONNS", &cfg.DBMaxConns},
	}
	for _, e := range ints {
		v := getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
		*e.dst = n
	}

	if v := getenv("PPEWATCH_UNTRACKED_EVIDENCE"); v != "" {
		policy, err := ppe.ParseUntrackedPolicy(v)
		if err != nil {
			return err
		}
		cfg.UntrackedPolicy = policy
	}
	if v := getenv("PPEWATCH_ALERT_ON_FIRST_SIGHTING"); v != "" {
		cfg.AlertOnFirstSighting = v == "true" || v == "1"
	}

	if v := getenv("PPEWATCH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	if v := getenv("PPEWATCH_OBJECT_BACKEND"); v != "" {
		cfg.ObjectBackend = v
	}
	if v := getenv("PPEWATCH_S3_BUCKET"); v != "" {
		cfg.Bucket = v
	}
	if v := getenv("PPEWATCH_S3_REGION"); v != "" {
		cfg.Region = v
	}
	if v := getenv("PPEWATCH_S3_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := getenv("PPEWATCH_UPLOAD_FRAMES"); v != "" {
		cfg.UploadFrames = v == "true" || v == "1"
	}

	if v := getenv("PPEWATCH_DETECTOR_COMMAND"); v != "" {
		cfg.DetectorCommand = v
	}
	if v := getenv("PPEWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("PPEWATCH_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	return nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// DetectionTimeout returns the per-frame detector deadline.
func (c *Config) DetectionTimeout() time.Duration {
	return time.Duration(c.DetectionTimeoutSeconds) * time.Second
}

// DetectorWriteTimeout returns the deadline for one write to the detector.
func (c *Config) DetectorWriteTimeout() time.Duration {
	return time.Duration(c.DetectorWriteTimeoutSeconds) * time.Second
}

// MaxUploadBytes returns the largest accepted video upload.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// MaxFrameBytes returns the largest accepted websocket message.
func (c *Config) MaxFrameBytes() int64 {
	return int64(c.MaxFrameMB) << 20
}

// PPEConfig returns the evaluation settings for ppe.NewMonitor.
func (c *Config) PPEConfig() ppe.Config {
	return ppe.Config{
		Window:               c.Window,
		Thresholds:           c.Thresholds,
		Untracked:            c.UntrackedPolicy,
		AlertOnFirstSighting: c.AlertOnFirstSighting,
	}
}

// Context key for storing config in context
type configContextKey struct{}

// WithConfig adds the config to the context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey{}, cfg)
}

// FromContext retrieves the config from the context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configContextKey{}).(*Config); ok {
		return cfg
	}
	return nil
}

// Validate verifies the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen address is empty")
	}
	if c.MaxUploadMB <= 0 || c.MaxFrameMB <= 0 {
		return fmt.Errorf("size limits must be positive")
	}
	if c.DetectionWorkers <= 0 || c.StorageWorkers <= 0 {
		return fmt.Errorf("worker counts must be positive")
	}
	if c.DetectionQueue <= 0 || c.StorageQueue <= 0 {
		return fmt.Errorf("queue capacities must be positive")
	}
	if c.DetectionTimeoutSeconds <= 0 {
		return fmt.Errorf("detection timeout must be positive")
	}
	if c.SessionBuffer <= 0 {
		return fmt.Errorf("session buffer must be positive")
	}
	if c.Window <= 0 {
		return fmt.Errorf("ppe window must be positive")
	}
	for class, v := range c.Thresholds {
		if v < 0 || v > 1 {
			return fmt.Errorf("threshold for %s must be between 0 and 1", class)
		}
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("database max conns must be positive")
	}
	switch c.ObjectBackend {
	case BackendS3:
		if c.Bucket == "" {
			return fmt.Errorf("s3 backend requires a bucket")
		}
	case BackendLocal:
		if c.LocalObjectDir == "" {
			return fmt.Errorf("local backend requires a directory")
		}
	case BackendNone:
		if c.UploadFrames {
			return fmt.Errorf("upload_frames requires an object store backend")
		}
	default:
		return fmt.Errorf("unknown object store backend %q", c.ObjectBackend)
	}
	if c.PartSizeMB < 5 {
		return fmt.Errorf("multipart part size must be at least 5 MB")
	}
	if c.UploadConcurrency <= 0 {
		return fmt.Errorf("upload concurrency must be positive")
	}
	return nil
}
