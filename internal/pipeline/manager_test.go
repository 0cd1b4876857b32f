package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/a-marczewski/ppewatch/internal/detector"
	"github.com/a-marczewski/ppewatch/internal/ppe"
	"github.com/a-marczewski/ppewatch/internal/storage"
)

var (
	personBox = ppe.Box{X1: 100, Y1: 100, X2: 300, Y2: 600}
	headBox   = ppe.Box{X1: 150, Y1: 110, X2: 250, Y2: 180}
	torsoBox  = ppe.Box{X1: 120, Y1: 200, X2: 280, Y2: 400}
	feetBox   = ppe.Box{X1: 120, Y1: 520, X2: 280, Y2: 590}
)

type fakeRecorder struct {
	mu      sync.Mutex
	records []storage.FrameRecord
	fail    bool
}

func (r *fakeRecorder) Insert(ctx context.Context, rec storage.FrameRecord) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return storage.NoID
	}
	r.records = append(r.records, rec)
	return int64(len(r.records))
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type fakeStore struct {
	mu   sync.Mutex
	keys []string
}

func (s *fakeStore) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return "https://bucket.s3.amazonaws.com/" + key, nil
}

func testOptions() Options {
	return Options{
		DetectionWorkers: 4,
		DetectionQueue:   32,
		StorageWorkers:   2,
		StorageQueue:     32,
		DetectionTimeout: time.Second,
		SessionBuffer:    64,
		FramePrefix:      "ppe_frames/",
	}
}

func newTestManager(t *testing.T, det detector.Detector, deps Deps, opts Options) *Manager {
	t.Helper()
	deps.Detector = det
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	m := NewManager(deps, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func collect(t *testing.T, s *Session, n int) []FrameResult {
	t.Helper()
	out := make([]FrameResult, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case r, ok := <-s.Results():
			if !ok {
				t.Fatalf("results closed after %d of %d", len(out), n)
			}
			out = append(out, r)
		case <-timeout:
			t.Fatalf("timed out after %d of %d results", len(out), n)
		}
	}
	return out
}

func TestManagerDeliversInOrder(t *testing.T) {
	// Later frames finish first.
	det := detector.Func(func(ctx context.Context, req detector.Request) ([]ppe.Detection, error) {
		time.Sleep(time.Duration(10-req.Seq) * 5 * time.Millisecond)
		return nil, nil
	})
	m := newTestManager(t, det, Deps{}, testOptions())

	s, err := m.Open(context.Background(), SessionInfo{ClientID: "c1"})
	require.NoError(t, err)

	for i := 1; i <= 8; i++ {
		seq, err := m.Submit(s, []byte("frame"))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	results := collect(t, s, 8)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8}, frames(results))
	assert.Equal(t, uint64(8), m.Stats().FramesProcessed)
}

func TestManagerBackpressure(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	det := detector.Func(func(ctx context.Context, req detector.Request) ([]ppe.Detection, error) {
		if req.Seq == 1 {
			started <- struct{}{}
		}
		<-release
		return nil, nil
	})
	opts := testOptions()
	opts.DetectionWorkers = 1
	opts.DetectionQueue = 2
	m := newTestManager(t, det, Deps{}, opts)

	s, err := m.Open(context.Background(), SessionInfo{})
	require.NoError(t, err)

	_, err = m.Submit(s, []byte("1"))
	require.NoError(t, err)
	<-started

	for i := 0; i < 2; i++ {
		_, err = m.Submit(s, []byte("queued"))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err = m.Submit(s, []byte("excess"))
		assert.ErrorIs(t, err, ErrBackpressure)
	}
	close(release)

	results := collect(t, s, 6)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, frames(results))
	for _, r := range results[:3] {
		assert.False(t, r.Failed())
	}
	for _, r := range results[3:] {
		assert.Equal(t, "backpressure: frame dropped", r.Error)
	}

	stats := m.Stats()
	assert.Equal(t, uint64(6), stats.FramesReceived)
	assert.Equal(t, uint64(3), stats.FramesDropped)
	assert.Equal(t, uint64(3), stats.DetectionPool.Rejected)
}

func TestManagerDetectorErrorKeepsSessionAlive(t *testing.T) {
	det := detector.Func(func(ctx context.Context, req detector.Request) ([]ppe.Detection, error) {
		if req.Seq == 2 {
			return nil, errors.New("model crashed")
		}
		return []ppe.Detection{{Class: ppe.Person, Confidence: 0.9, Box: personBox, TrackID: 1}}, nil
	})
	m := newTestManager(t, det, Deps{}, testOptions())

	s, err := m.Open(context.Background(), SessionInfo{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.Submit(s, []byte("f"))
		require.NoError(t, err)
	}

	results := collect(t, s, 3)
	assert.False(t, results[0].Failed())
	assert.Contains(t, results[1].Error, "model crashed")
	assert.False(t, results[2].Failed())
	assert.Len(t, results[2].Detections, 1)
	assert.Equal(t, uint64(1), m.Stats().DetectorErrors)
}

func TestManagerDetectionTimeout(t *testing.T) {
	det := detector.Func(func(ctx context.Context, req detector.Request) ([]ppe.Detection, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	opts := testOptions()
	opts.DetectionTimeout = 20 * time.Millisecond
	m := newTestManager(t, det, Deps{}, opts)

	s, err := m.Open(context.Background(), SessionInfo{})
	require.NoError(t, err)
	_, err = m.Submit(s, []byte("f"))
	require.NoError(t, err)

	results := collect(t, s, 1)
	assert.Contains(t, results[0].Error, context.DeadlineExceeded.Error())
}

// helmetDetector replays a scripted sequence of frames for track 1. delay,
// when set, holds each frame back so completions can be reordered.
func helmetDetector(script map[uint64][]ppe.Detection, delay func(seq uint64) time.Duration) detector.Detector {
	return detector.Func(func(ctx context.Context, req detector.Request) ([]ppe.Detection, error) {
		if delay != nil {
			time.Sleep(delay(req.Seq))
		}
		person := ppe.Detection{Class: ppe.Person, Confidence: 0.9, Box: personBox, TrackID: 1}
		return append([]ppe.Detection{person}, script[req.Seq]...), nil
	})
}

func item(class ppe.Class, box ppe.Box) ppe.Detection {
	return ppe.Detection{Class: class, Confidence: 0.9, Box: box, TrackID: ppe.UntrackedID}
}

func alertedFrames(results []FrameResult) []uint64 {
	var alerted []uint64
	for _, r := range results {
		if len(r.Alerts) > 0 {
			alerted = append(alerted, r.Frame)
		}
	}
	return alerted
}

func TestManagerAlertsOncePerEpisode(t *testing.T) {
	script := map[uint64][]ppe.Detection{}
	for i := uint64(1); i <= 5; i++ {
		script[i] = []ppe.Detection{item(ppe.Helmet, headBox)}
	}
	script[6] = []ppe.Detection{item(ppe.Helmet, headBox), item(ppe.Vest, torsoBox), item(ppe.Boots, feetBox)}
	script[10] = []ppe.Detection{item(ppe.Helmet, headBox), item(ppe.NoVest, torsoBox), item(ppe.Boots, feetBox)}

	// Later frames finish first.
	delay := func(seq uint64) time.Duration { return time.Duration(11-seq) * 5 * time.Millisecond }
	opts := testOptions()
	opts.DetectionWorkers = 10
	recorder := &fakeRecorder{}
	m := newTestManager(t, helmetDetector(script, delay), Deps{Recorder: recorder}, opts)

	s, err := m.Open(context.Background(), SessionInfo{UserID: "u1", OrgID: "o1", CameraID: "gate"})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := m.Submit(s, []byte("f"))
		require.NoError(t, err)
	}

	results := collect(t, s, 10)
	assert.Equal(t, []uint64{1, 10}, alertedFrames(results))

	want := ppe.PPEStatus{Helmet: true}
	if diff := cmp.Diff(want, results[0].Detections[0].Status); diff != "" {
		t.Errorf("frame 1 status mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, results[5].Detections[0].Status.Safe())

	assert.Eventually(t, func() bool { return recorder.count() == 10 }, 2*time.Second, 10*time.Millisecond)
	recorder.mu.Lock()
	first := recorder.records[0]
	recorder.mu.Unlock()
	assert.Equal(t, "gate", first.CameraID)
	assert.Equal(t, s.ID, first.SessionID)
	assert.Equal(t, uint64(2), m.Stats().Alerts)
}

func TestManagerEvaluatesInFrameOrder(t *testing.T) {
	script := map[uint64][]ppe.Detection{
		1: {item(ppe.Helmet, headBox)},
		2: {item(ppe.Helmet, headBox), item(ppe.Vest, torsoBox), item(ppe.Boots, feetBox)},
		3: {item(ppe.NoHelmet, headBox)},
	}
	delays := map[uint64]time.Duration{1: 150 * time.Millisecond, 3: 50 * time.Millisecond}
	opts := testOptions()
	opts.DetectionWorkers = 10
	m := newTestManager(t, helmetDetector(script, func(seq uint64) time.Duration { return delays[seq] }), Deps{}, opts)

	s, err := m.Open(context.Background(), SessionInfo{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.Submit(s, []byte("f"))
		require.NoError(t, err)
	}

	results := collect(t, s, 3)
	assert.Equal(t, []uint64{1, 3}, alertedFrames(results))

	want := ppe.PPEStatus{Helmet: true}
	if diff := cmp.Diff(want, results[0].Detections[0].Status); diff != "" {
		t.Errorf("frame 1 status mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, results[1].Detections[0].Status.Safe())
}

func TestManagerFailedFramesAdvanceEvaluation(t *testing.T) {
	script := map[uint64][]ppe.Detection{
		1: {item(ppe.Helmet, headBox), item(ppe.Vest, torsoBox), item(ppe.Boots, feetBox)},
		4: {item(ppe.Helmet, headBox), item(ppe.Vest, torsoBox), item(ppe.Boots, feetBox)},
	}
	inner := helmetDetector(script, nil)
	det := detector.Func(func(ctx context.Context, req detector.Request) ([]ppe.Detection, error) {
		switch req.Seq {
		case 2:
			time.Sleep(50 * time.Millisecond)
			return nil, errors.New("model crashed")
		case 5:
			panic("bad tensor")
		}
		return inner.Detect(ctx, req)
	})
	opts := testOptions()
	opts.DetectionWorkers = 10
	m := newTestManager(t, det, Deps{}, opts)

	s, err := m.Open(context.Background(), SessionInfo{})
	require.NoError(t, err)
	_, err = m.Submit(s, []byte("f"))
	require.NoError(t, err)
	_, err = m.Submit(s, []byte("f"))
	require.NoError(t, err)
	_, err = m.Reject(s, "invalid frame payload")
	require.NoError(t, err)
	_, err = m.Submit(s, []byte("f"))
	require.NoError(t, err)
	_, err = m.Submit(s, []byte("f"))
	require.NoError(t, err)

	results := collect(t, s, 5)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, frames(results))
	assert.Contains(t, results[1].Error, "model crashed")
	assert.Equal(t, "invalid frame payload", results[2].Error)
	assert.True(t, results[3].Detections[0].Status.Safe())
	assert.Contains(t, results[4].Error, "detector panic")
	assert.Equal(t, uint64(2), m.Stats().DetectorErrors)
}

func TestManagerDegradedWrites(t *testing.T) {
	det := detector.Func(func(ctx context.Context, req detector.Request) ([]ppe.Detection, error) {
		return nil, nil
	})
	recorder := &fakeRecorder{fail: true}
	m := newTestManager(t, det, Deps{Recorder: recorder}, testOptions())

	s, err := m.Open(context.Background(), SessionInfo{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.Submit(s, []byte("f"))
		require.NoError(t, err)
	}

	// Results are still delivered although nothing could be stored.
	results := collect(t, s, 3)
	for _, r := range results {
		assert.False(t, r.Failed())
	}
	assert.Eventually(t, func() bool { return m.Stats().DegradedWrites == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), m.Stats().StorageWrites)
}

func TestManagerUploadsFrames(t *testing.T) {
	det := detector.Func(func(ctx context.Context, req detector.Request) ([]ppe.Detection, error) {
		return nil, nil
	})
	recorder := &fakeRecorder{}
	store := &fakeStore{}
	opts := testOptions()
	opts.UploadFrames = true
	m := newTestManager(t, det, Deps{Recorder: recorder, Store: store}, opts)

	s, err := m.Open(context.Background(), SessionInfo{})
	require.NoError(t, err)
	_, err = m.Submit(s, []byte("jpeg-bytes"))
	require.NoError(t, err)
	collect(t, s, 1)

	assert.Eventually(t, func() bool { return recorder.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	recorder.mu.Lock()
	url := recorder.records[0].ArtifactURL
	recorder.mu.Unlock()
	assert.Contains(t, url, "ppe_frames/"+s.ID+"/frm-")
}

func TestManagerCloseTearsDownSession(t *testing.T) {
	det := detector.Func(func(ctx context.Context, req detector.Request) ([]ppe.Detection, error) {
		return []ppe.Detection{{Class: ppe.Person, Confidence: 0.9, Box: personBox, TrackID: 7}}, nil
	})
	monitor := ppe.NewMonitor(ppe.Config{AlertOnFirstSighting: true})
	m := newTestManager(t, det, Deps{Monitor: monitor}, testOptions())

	s, err := m.Open(context.Background(), SessionInfo{})
	require.NoError(t, err)
	_, err = m.Submit(s, []byte("f"))
	require.NoError(t, err)
	first := collect(t, s, 1)
	require.Len(t, first[0].Alerts, 1)
	assert.Equal(t, 1, monitor.Store().SessionCount())

	require.NoError(t, m.Close(s.ID))
	assert.ErrorIs(t, m.Close(s.ID), ErrUnknownSession)

	_, err = m.Submit(s, []byte("late"))
	assert.ErrorIs(t, err, ErrSessionClosed)

	select {
	case _, ok := <-s.Results():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("results channel not closed")
	}
	assert.Equal(t, 0, monitor.Store().SessionCount())
	assert.Equal(t, 0, m.Stats().ActiveSessions)

	// A new session reusing track id 7 starts from a clean slate.
	s2, err := m.Open(context.Background(), SessionInfo{})
	require.NoError(t, err)
	_, err = m.Submit(s2, []byte("f"))
	require.NoError(t, err)
	again := collect(t, s2, 1)
	assert.Len(t, again[0].Alerts, 1)
	assert.Equal(t, map[string]float64{"person": 1}, again[0].Detections[0].Scores)
}

func TestManagerCloseDiscardsInFlight(t *testing.T) {
	entered := make(chan struct{})
	det := detector.Func(func(ctx context.Context, req detector.Request) ([]ppe.Detection, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := newTestManager(t, det, Deps{}, testOptions())

	s, err := m.Open(context.Background(), SessionInfo{})
	require.NoError(t, err)
	_, err = m.Submit(s, []byte("f"))
	require.NoError(t, err)
	<-entered

	require.NoError(t, m.Close(s.ID))
	for range s.Results() {
		t.Fatal("no result expected after close")
	}
	assert.Eventually(t, func() bool { return m.Stats().FramesDiscarded == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), m.Stats().DetectorErrors)
}

func TestManagerReject(t *testing.T) {
	det := detector.Func(func(ctx context.Context, req detector.Request) ([]ppe.Detection, error) {
		return nil, nil
	})
	m := newTestManager(t, det, Deps{}, testOptions())

	s, err := m.Open(context.Background(), SessionInfo{})
	require.NoError(t, err)
	seq, err := m.Reject(s, "invalid frame payload")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	_, err = m.Submit(s, []byte("f"))
	require.NoError(t, err)

	results := collect(t, s, 2)
	assert.Equal(t, "invalid frame payload", results[0].Error)
	assert.False(t, results[1].Failed())
}

func TestManagerShutdown(t *testing.T) {
	det := detector.Func(func(ctx context.Context, req detector.Request) ([]ppe.Detection, error) {
		return nil, nil
	})
	m := NewManager(Deps{Detector: det}, testOptions())

	s, err := m.Open(context.Background(), SessionInfo{})
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))
	_, err = m.Open(context.Background(), SessionInfo{})
	assert.ErrorIs(t, err, ErrManagerClosed)
	_, err = m.Submit(s, []byte("f"))
	assert.ErrorIs(t, err, ErrSessionClosed)
}
