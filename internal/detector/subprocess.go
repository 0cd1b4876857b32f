package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a-marczewski/ppewatch/internal/ppe"
)

const (
	stopTimeout = 2 * time.Second
	stderrTail  = 4 << 10
)

// SubprocessConfig describes how to launch the model process.
type SubprocessConfig struct {
	Command      string
	Args         []string
	Dir          string
	WriteTimeout time.Duration
}

// Subprocess runs the detection model as a child process speaking the
// length-prefixed msgpack protocol on stdin and stdout. Stderr lines are
// forwarded to the logger.
type Subprocess struct {
	cfg    SubprocessConfig
	logger *zap.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser
	conn  *Conn

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	tail     *tailBuffer
	exited   chan struct{}
	waitErr  error
	stopOnce sync.Once
}

// StartSubprocess launches the model process. The process is killed when ctx
// is cancelled.
func StartSubprocess(ctx context.Context, cfg SubprocessConfig, logger *zap.Logger) (*Subprocess, error) {
	if cfg.Command == "" {
		return nil, errors.New("detector command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start detector process: %w", err)
	}

	s := &Subprocess{
		cfg:    cfg,
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		cancel: cancel,
		tail:   newTailBuffer(stderrTail),
		exited: make(chan struct{}),
	}
	s.conn = NewConn(stdout, stdin, cfg.WriteTimeout, logger)

	logger.Info("Detector process started",
		zap.String("command", cfg.Command),
		zap.Int("pid", cmd.Process.Pid))

	s.wg.Add(1)
	go s.logStderr(stderr)

	go s.wait(procCtx)

	return s, nil
}

// Detect forwards a frame to the model process.
func (s *Subprocess) Detect(ctx context.Context, req Request) ([]ppe.Detection, error) {
	return s.conn.Detect(ctx, req)
}

// ReleaseSession drops tracker state for a session in the model process.
func (s *Subprocess) ReleaseSession(ctx context.Context, sessionID string) error {
	return s.conn.ReleaseSession(ctx, sessionID)
}

// Stats returns request counters.
func (s *Subprocess) Stats() ConnStats {
	return s.conn.Stats()
}

// Alive reports whether the process is still running.
func (s *Subprocess) Alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Stop closes stdin and waits for the process to exit, killing it if it
// does not exit in time.
func (s *Subprocess) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.conn.Close()
		_ = s.stdin.Close()

		select {
		case <-s.exited:
		case <-time.After(stopTimeout):
			s.logger.Warn("Detector process did not exit, killing it")
			s.cancel()
			<-s.exited
		}
		s.cancel()
		s.wg.Wait()
		err = s.waitErr
	})
	return err
}

// wait reaps the process. Stderr must be fully read before cmd.Wait
// closes the pipe.
func (s *Subprocess) wait(ctx context.Context) {
	s.wg.Wait()
	err := s.cmd.Wait()
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Debug("Detector process stopped", zap.Error(err))
			err = nil
		} else {
			s.logger.Error("Detector process exited unexpectedly",
				zap.Error(err),
				zap.String("stderr_tail", s.tail.String()))
		}
	}
	s.waitErr = err
	s.conn.fail(ErrClosed)
	close(s.exited)
}

func (s *Subprocess) logStderr(r io.Reader) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		s.tail.Write([]byte(line + "\n"))
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			s.logger.Error("Detector process error", zap.String("log", line))
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			s.logger.Warn("Detector process warning", zap.String("log", line))
		default:
			s.logger.Debug("Detector process output", zap.String("log", line))
		}
	}
}
