// Package pipeline runs per-session frame processing on shared, bounded
// worker pools.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/a-marczewski/ppewatch/internal/detector"
	"github.com/a-marczewski/ppewatch/internal/logging"
	"github.com/a-marczewski/ppewatch/internal/objectstore"
	"github.com/a-marczewski/ppewatch/internal/ppe"
	"github.com/a-marczewski/ppewatch/internal/storage"
)

var (
	// ErrBackpressure is returned by Submit when the detection queue is
	// full. The frame is dropped.
	ErrBackpressure = errors.New("backpressure: frame dropped")
	// ErrSessionClosed is returned when submitting to an ended session.
	ErrSessionClosed = errors.New("session closed")
	// ErrManagerClosed is returned after Shutdown.
	ErrManagerClosed = errors.New("pipeline shut down")
	// ErrUnknownSession is returned by Close for ids it does not know.
	ErrUnknownSession = errors.New("unknown session")
)

const (
	storageTimeout = 30 * time.Second
	releaseTimeout = 2 * time.Second
	frameMIMEType  = "image/jpeg"
)

// Recorder persists processed frames. Insert returns storage.NoID on
// failure.
type Recorder interface {
	Insert(ctx context.Context, rec storage.FrameRecord) int64
}

// Options tunes a Manager.
type Options struct {
	DetectionWorkers int
	DetectionQueue   int
	StorageWorkers   int
	StorageQueue     int
	DetectionTimeout time.Duration
	SessionBuffer    int
	UploadFrames     bool
	FramePrefix      string
}

// Deps are the collaborators of a Manager. Recorder, Store and Annotator
// are optional.
type Deps struct {
	Detector  detector.Detector
	Monitor   *ppe.Monitor
	Recorder  Recorder
	Store     objectstore.Store
	Annotator Annotator
	Logger    *zap.Logger
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	ActiveSessions  int       `json:"active_sessions"`
	FramesReceived  uint64    `json:"frames_received"`
	FramesDropped   uint64    `json:"frames_dropped"`
	FramesRejected  uint64    `json:"frames_rejected"`
	FramesProcessed uint64    `json:"frames_processed"`
	FramesDiscarded uint64    `json:"frames_discarded"`
	DetectorErrors  uint64    `json:"detector_errors"`
	Alerts          uint64    `json:"alerts"`
	StorageWrites   uint64    `json:"storage_writes"`
	DegradedWrites  uint64    `json:"degraded_writes"`
	ResultsDropped  uint64    `json:"results_dropped"`
	DetectionPool   PoolStats `json:"detection_pool"`
	StoragePool     PoolStats `json:"storage_pool"`
}

type counters struct {
	received       atomic.Uint64
	dropped        atomic.Uint64
	rejected       atomic.Uint64
	processed      atomic.Uint64
	discarded      atomic.Uint64
	detectorErrors atomic.Uint64
	alerts         atomic.Uint64
	storageWrites  atomic.Uint64
	degradedWrites atomic.Uint64
	resultsDropped atomic.Uint64
}

// Manager owns sessions and the detection and storage pools.
type Manager struct {
	opts      Options
	detector  detector.Detector
	monitor   *ppe.Monitor
	recorder  Recorder
	store     objectstore.Store
	annotator Annotator
	logger    *zap.Logger

	detectPool  *Pool
	storagePool *Pool

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	closing  sync.WaitGroup

	stats counters
}

// NewManager starts the worker pools.
func NewManager(deps Deps, opts Options) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Annotator == nil {
		deps.Annotator = Passthrough{}
	}
	if deps.Monitor == nil {
		deps.Monitor = ppe.NewMonitor(ppe.Config{AlertOnFirstSighting: true})
	}
	if opts.DetectionTimeout <= 0 {
		opts.DetectionTimeout = 5 * time.Second
	}

	return &Manager{
		opts:        opts,
		detector:    deps.Detector,
		monitor:     deps.Monitor,
		recorder:    deps.Recorder,
		store:       deps.Store,
		annotator:   deps.Annotator,
		logger:      deps.Logger,
		detectPool:  NewPool("detection", opts.DetectionWorkers, opts.DetectionQueue, deps.Logger),
		storagePool: NewPool("storage", opts.StorageWorkers, opts.StorageQueue, deps.Logger),
		sessions:    make(map[string]*Session),
	}
}

// Open starts a session. The session ends when Close is called or ctx is
// cancelled; callers must call Close either way.
func (m *Manager) Open(ctx context.Context, info SessionInfo) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	id := uuid.New().String()
	logger := logging.SessionLogger(m.logger, id, info.ClientID)
	s := newSession(ctx, id, info, m.opts.SessionBuffer, logger, func() {
		m.stats.resultsDropped.Add(1)
	})
	m.sessions[id] = s

	logger.Info("Session opened",
		zap.String("user_id", info.UserID),
		zap.String("org_id", info.OrgID),
		zap.String("camera_id", info.CameraID))
	return s, nil
}

// Submit numbers frame and queues it for detection. When the detection
// queue is full the frame is dropped, an error result is delivered in its
// place and ErrBackpressure is returned.
func (m *Manager) Submit(s *Session, frame []byte) (uint64, error) {
	seq, ok := s.begin()
	if !ok {
		return 0, ErrSessionClosed
	}
	m.stats.received.Add(1)

	err := m.detectPool.TrySubmit(func() {
		defer s.inflight.Done()
		m.detect(s, seq, frame)
	})
	if err == nil {
		return seq, nil
	}

	s.inflight.Done()
	m.stats.dropped.Add(1)
	m.resolve(s, frameOutcome{seq: seq, err: ErrBackpressure.Error()})

	if errors.Is(err, ErrPoolClosed) {
		return seq, ErrManagerClosed
	}
	s.logger.Warn("Detection queue full, dropping frame", zap.Uint64("frame", seq))
	return seq, ErrBackpressure
}

// Reject resolves the next frame number with a client error without
// running detection, for input that could not be decoded.
func (m *Manager) Reject(s *Session, reason string) (uint64, error) {
	seq, ok := s.begin()
	if !ok {
		return 0, ErrSessionClosed
	}
	defer s.inflight.Done()

	m.stats.received.Add(1)
	m.stats.rejected.Add(1)
	m.resolve(s, frameOutcome{seq: seq, err: reason})
	return seq, nil
}

// frameOutcome is what became of one frame before evaluation: either the
// detector's output or the reason it produced none.
type frameOutcome struct {
	seq        uint64
	detections []ppe.Detection
	frame      []byte
	err        string
}

func (m *Manager) detect(s *Session, seq uint64, frame []byte) {
	if s.ctx.Err() != nil {
		m.stats.discarded.Add(1)
		return
	}

	detections, err := m.runDetector(s, seq, frame)
	if err != nil {
		if s.ctx.Err() != nil {
			m.stats.discarded.Add(1)
			return
		}
		m.stats.detectorErrors.Add(1)
		s.logger.Warn("Detection failed", zap.Uint64("frame", seq), zap.Error(err))
		m.resolve(s, frameOutcome{seq: seq, err: fmt.Sprintf("detection failed: %v", err)})
		return
	}

	m.resolve(s, frameOutcome{seq: seq, detections: detections, frame: frame})
}

// runDetector turns a detector panic into an error so the frame still
// resolves and later frames are not held back behind it.
func (m *Manager) runDetector(s *Session, seq uint64, frame []byte) (detections []ppe.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, m.opts.DetectionTimeout)
	defer cancel()
	return m.detector.Detect(ctx, detector.Request{SessionID: s.ID, Seq: seq, Frame: frame})
}

// resolve records the outcome of frame out.seq. Tracking state is
// advanced strictly in frame order: outcomes that complete early wait
// until every earlier frame has been resolved, including frames that
// produced only an error.
func (m *Manager) resolve(s *Session, out frameOutcome) {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	if s.ctx.Err() != nil {
		if out.err == "" {
			m.stats.discarded.Add(1)
		}
		return
	}

	for _, ready := range s.order.Push(out.seq, out) {
		if ready.err != "" {
			s.deliver(errorResult(ready.seq, ready.err))
			continue
		}
		res := m.evaluate(s, ready)
		s.deliver(res)
		m.persist(s, res, ready.frame)
	}
}

// evaluate runs the monitor over one frame's detections. Callers hold
// s.evalMu.
func (m *Manager) evaluate(s *Session, out frameOutcome) FrameResult {
	outcome := m.monitor.Process(s.ID, out.detections)

	m.stats.processed.Add(1)
	if n := len(outcome.Alerts); n > 0 {
		m.stats.alerts.Add(uint64(n))
		for _, a := range outcome.Alerts {
			s.logger.Info("PPE violation",
				zap.Uint64("frame", out.seq),
				zap.Int("person_id", int(a.TrackID)),
				zap.Bool("helmet", a.PPE.Helmet),
				zap.Bool("vest", a.PPE.Vest),
				zap.Bool("boots", a.PPE.Boots))
		}
	}

	statuses := outcome.Statuses
	if statuses == nil {
		statuses = []ppe.TrackStatus{}
	}
	return FrameResult{Frame: out.seq, Detections: statuses, Alerts: outcome.Alerts}
}

// persist hands the computed result to the storage pool. Storage problems
// only ever count as degraded writes.
func (m *Manager) persist(s *Session, res FrameResult, frame []byte) {
	if m.recorder == nil && !m.uploadsFrames() {
		return
	}

	ctx := context.WithoutCancel(s.ctx)
	err := m.storagePool.TrySubmit(func() {
		m.write(ctx, s, res, frame)
	})
	if err != nil {
		m.stats.degradedWrites.Add(1)
		s.logger.Warn("Storage queue full, skipping persistence",
			zap.Uint64("frame", res.Frame), zap.Error(err))
	}
}

func (m *Manager) uploadsFrames() bool {
	return m.opts.UploadFrames && m.store != nil
}

func (m *Manager) write(ctx context.Context, s *Session, res FrameResult, frame []byte) {
	ctx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()

	var url string
	if m.uploadsFrames() {
		annotated, err := m.annotator.Annotate(frame, res.Detections)
		if err != nil {
			s.logger.Warn("Annotation failed, storing raw frame", zap.Uint64("frame", res.Frame), zap.Error(err))
			annotated = frame
		}
		key := objectstore.FrameKey(m.opts.FramePrefix, s.ID, annotated)
		url, err = m.store.Upload(ctx, key, bytes.NewReader(annotated), frameMIMEType)
		if err != nil {
			m.stats.degradedWrites.Add(1)
			s.logger.Error("Frame upload failed", zap.Uint64("frame", res.Frame), zap.Error(err))
			url = ""
		}
	}

	if m.recorder == nil {
		return
	}

	detections, err := json.Marshal(res.Detections)
	if err != nil {
		m.stats.degradedWrites.Add(1)
		s.logger.Error("Failed to encode detections", zap.Error(err))
		return
	}
	alerts := json.RawMessage("[]")
	if len(res.Alerts) > 0 {
		if alerts, err = json.Marshal(res.Alerts); err != nil {
			m.stats.degradedWrites.Add(1)
			s.logger.Error("Failed to encode alerts", zap.Error(err))
			return
		}
	}

	id := m.recorder.Insert(ctx, storage.FrameRecord{
		ArtifactURL: url,
		Detections:  detections,
		Alerts:      alerts,
		UserID:      s.Info.UserID,
		OrgID:       s.Info.OrgID,
		CameraID:    s.Info.CameraID,
		SessionID:   s.ID,
		Timestamp:   time.Now(),
		FrameNum:    res.Frame,
	})
	if id == storage.NoID {
		m.stats.degradedWrites.Add(1)
		return
	}
	m.stats.storageWrites.Add(1)
}

// Close ends a session: pending frames are skipped, evidence and alert
// state are released and Results is closed once in-flight work finishes.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	m.closeSession(s)
	return nil
}

func (m *Manager) closeSession(s *Session) {
	if !s.end() {
		return
	}

	s.evalMu.Lock()
	for _, held := range s.order.Flush() {
		if held.err == "" {
			m.stats.discarded.Add(1)
		}
	}
	m.monitor.DropSession(s.ID)
	s.evalMu.Unlock()

	m.closing.Add(1)
	go func() {
		defer m.closing.Done()
		s.finish()

		if r, ok := m.detector.(detector.SessionReleaser); ok {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			if err := r.ReleaseSession(ctx, s.ID); err != nil {
				s.logger.Debug("Detector session release failed", zap.Error(err))
			}
			cancel()
		}
	}()

	s.logger.Info("Session closed",
		zap.Uint64("frames", s.Frames()),
		zap.Duration("duration", time.Since(s.StartedAt)))
}

// Session returns an open session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Stats returns a snapshot of the pipeline counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := len(m.sessions)
	m.mu.RUnlock()

	return Stats{
		ActiveSessions:  active,
		FramesReceived:  m.stats.received.Load(),
		FramesDropped:   m.stats.dropped.Load(),
		FramesRejected:  m.stats.rejected.Load(),
		FramesProcessed: m.stats.processed.Load(),
		FramesDiscarded: m.stats.discarded.Load(),
		DetectorErrors:  m.stats.detectorErrors.Load(),
		Alerts:          m.stats.alerts.Load(),
		StorageWrites:   m.stats.storageWrites.Load(),
		DegradedWrites:  m.stats.degradedWrites.Load(),
		ResultsDropped:  m.stats.resultsDropped.Load(),
		DetectionPool:   m.detectPool.Stats(),
		StoragePool:     m.storagePool.Stats(),
	}
}

// Shutdown closes every session, then drains the detection pool followed
// by the storage pool so computed results are still persisted.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.closeSession(s)
	}

	done := make(chan struct{})
	go func() {
		m.detectPool.Close()
		m.closing.Wait()
		m.storagePool.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
