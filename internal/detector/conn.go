package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/a-marczewski/ppewatch/internal/ppe"
)

// DefaultWriteTimeout bounds a single request write to the model process.
const DefaultWriteTimeout = 2 * time.Second

// Conn multiplexes concurrent Detect calls over one length-prefixed msgpack
// stream. Responses are matched to callers by request id, so the model side
// may answer out of order.
type Conn struct {
	logger       *zap.Logger
	writeTimeout time.Duration

	r io.Reader
	w io.Writer
	// wsem is a one slot write lock that callers can stop waiting on.
	wsem chan struct{}

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan wireResponse
	err     error

	done      chan struct{}
	closeOnce sync.Once

	requests atomic.Uint64
	failures atomic.Uint64
	orphans  atomic.Uint64
}

// ConnStats reports request counters of a Conn.
type ConnStats struct {
	Requests uint64 `json:"requests"`
	Failures uint64 `json:"failures"`
	Orphans  uint64 `json:"orphaned_responses"`
}

// NewConn starts reading responses from r. Requests are written to w.
func NewConn(r io.Reader, w io.Writer, writeTimeout time.Duration, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	c := &Conn{
		logger:       logger,
		writeTimeout: writeTimeout,
		r:            r,
		w:            w,
		wsem:         make(chan struct{}, 1),
		pending:      make(map[uint64]chan wireResponse),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Detect sends one frame and waits for its detections.
func (c *Conn) Detect(ctx context.Context, req Request) ([]ppe.Detection, error) {
	c.requests.Add(1)

	id := c.nextID.Add(1)
	ch := make(chan wireResponse, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		c.failures.Add(1)
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	err := c.send(ctx, wireRequest{
		ID:        id,
		Kind:      kindDetect,
		SessionID: req.SessionID,
		Seq:       req.Seq,
		Image:     req.Frame,
	})
	if err != nil {
		c.forget(id)
		c.failures.Add(1)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			c.failures.Add(1)
			return nil, fmt.Errorf("detector: %s", resp.Error)
		}
		return toDetections(resp.Detections), nil
	case <-ctx.Done():
		c.forget(id)
		c.failures.Add(1)
		return nil, ctx.Err()
	case <-c.done:
		c.failures.Add(1)
		return nil, c.failure()
	}
}

// ReleaseSession tells the model process to drop tracker state for a
// session. No reply is expected.
func (c *Conn) ReleaseSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.send(ctx, wireRequest{
		ID:        c.nextID.Add(1),
		Kind:      kindRelease,
		SessionID: sessionID,
	})
}

// Stats returns a snapshot of the request counters.
func (c *Conn) Stats() ConnStats {
	return ConnStats{
		Requests: c.requests.Load(),
		Failures: c.failures.Load(),
		Orphans:  c.orphans.Load(),
	}
}

// Done is closed once the response stream has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close fails every pending and future call with ErrClosed. It does not
// close the underlying stream.
func (c *Conn) Close() {
	c.fail(ErrClosed)
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// send writes one request. At most one write is in flight per Conn, and a
// caller whose ctx ends while waiting for its turn gives up without leaving
// anything behind. A write that exceeds the write timeout fails the Conn,
// since the stream may hold a partial message.
func (c *Conn) send(ctx context.Context, msg wireRequest) error {
	select {
	case c.wsem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.failure()
	}

	if dw, ok := c.w.(deadlineWriter); ok {
		if err := dw.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err == nil {
			defer func() { <-c.wsem }()
			if err := writeMessage(c.w, msg); err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					err = fmt.Errorf("write to detector timed out after %s", c.writeTimeout)
				}
				c.fail(err)
				return err
			}
			return nil
		}
	}

	// The writer has no deadlines. The write runs on its own goroutine,
	// which keeps the slot until it returns.
	writeErr := make(chan error, 1)
	go func() {
		defer func() { <-c.wsem }()
		writeErr <- writeMessage(c.w, msg)
	}()

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case err := <-writeErr:
		if err != nil {
			c.fail(err)
		}
		return err
	case <-timer.C:
		err := fmt.Errorf("write to detector timed out after %s", c.writeTimeout)
		c.fail(err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.failure()
	}
}

func (c *Conn) readLoop() {
	for {
		var resp wireResponse
		if err := readMessage(c.r, &resp); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				c.fail(ErrClosed)
				return
			}
			c.logger.Error("Detector stream failed", zap.Error(err))
			c.fail(fmt.Errorf("detector stream: %w", err))
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()

		if !ok {
			c.orphans.Add(1)
			c.logger.Debug("Dropping detector response with no waiter", zap.Uint64("id", resp.ID))
			continue
		}
		ch <- resp
	}
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.pending = make(map[uint64]chan wireResponse)
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}
