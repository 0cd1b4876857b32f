package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SessionInfo identifies the client and camera behind a stream.
type SessionInfo struct {
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`
	OrgID    string `json:"org_id"`
	CameraID string `json:"camera_id"`
}

// Session is one streaming connection. Frames submitted to it are numbered
// from 1 and their results are delivered on Results in that order.
type Session struct {
	ID        string
	Info      SessionInfo
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	nextSeq atomic.Uint64

	// evalMu serializes evaluation and alerting for the session and
	// orders them against teardown. order is guarded by it.
	evalMu sync.Mutex
	order  *Sequencer[frameOutcome]

	mu        sync.Mutex
	closed    bool
	outbox    []FrameResult
	maxOutbox int
	inflight  sync.WaitGroup

	notify   chan struct{}
	results  chan FrameResult
	pumpDone chan struct{}

	onOverflow func()
}

func newSession(ctx context.Context, id string, info SessionInfo, buffer int, logger *zap.Logger, onOverflow func()) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:         id,
		Info:       info,
		StartedAt:  time.Now(),
		ctx:        sctx,
		cancel:     cancel,
		logger:     logger,
		order:      NewSequencer[frameOutcome](),
		maxOutbox:  buffer * 8,
		notify:     make(chan struct{}, 1),
		results:    make(chan FrameResult, buffer),
		pumpDone:   make(chan struct{}),
		onOverflow: onOverflow,
	}
	go s.pump()
	return s
}

// Results delivers frame results in sequence order. It is closed after the
// session ends and its in-flight work has finished.
func (s *Session) Results() <-chan FrameResult {
	return s.results
}

// Context is cancelled when the session ends.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Logger returns the session scoped logger.
func (s *Session) Logger() *zap.Logger {
	return s.logger
}

// Frames returns how many frames have been numbered so far.
func (s *Session) Frames() uint64 {
	return s.nextSeq.Load()
}

// begin reserves the next sequence number and registers in-flight work. It
// fails once the session is closed.
func (s *Session) begin() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}
	s.inflight.Add(1)
	return s.nextSeq.Add(1), true
}

// deliver queues an in-order result for the pump. Results for a closed
// session are discarded.
func (s *Session) deliver(res FrameResult) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.outbox) >= s.maxOutbox {
		s.mu.Unlock()
		s.logger.Warn("Client is not reading results, dropping frame result",
			zap.Uint64("frame", res.Frame))
		if s.onOverflow != nil {
			s.onOverflow()
		}
		return
	}
	s.outbox = append(s.outbox, res)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) takeOutbox() []FrameResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.outbox
	s.outbox = nil
	return batch
}

// pump is the only sender on results.
func (s *Session) pump() {
	defer close(s.pumpDone)

	for {
		select {
		case <-s.notify:
		case <-s.ctx.Done():
			return
		}

		for {
			batch := s.takeOutbox()
			if len(batch) == 0 {
				break
			}
			for _, r := range batch {
				select {
				case s.results <- r:
				case <-s.ctx.Done():
					return
				}
			}
		}
	}
}

// end marks the session closed and cancels its context. It reports false
// if the session was already closed.
func (s *Session) end() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.outbox = nil
	s.mu.Unlock()

	s.cancel()
	return true
}

// finish waits for in-flight work and the pump, then closes Results.
func (s *Session) finish() {
	s.inflight.Wait()
	<-s.pumpDone
	close(s.results)
}
