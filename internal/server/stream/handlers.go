package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/a-marczewski/ppewatch/internal/objectstore"
	"github.com/a-marczewski/ppewatch/internal/pipeline"
)

// handleStream runs one session: the reader submits frames, the writer
// sends sequenced results back. Neither does detection or storage work.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if strings.TrimSpace(clientID) == "" {
		writeJSONError(w, http.StatusBadRequest, "client id is required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("Websocket handshake failed", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	conn.SetReadLimit(s.config.MaxFrameBytes())

	q := r.URL.Query()
	sess, err := s.pipeline.Open(r.Context(), pipeline.SessionInfo{
		ClientID: clientID,
		UserID:   q.Get("user_id"),
		OrgID:    q.Get("org_id"),
		CameraID: q.Get("camera_id"),
	})
	if err != nil {
		s.logger.Warn("Rejecting stream", zap.String("client_id", clientID), zap.Error(err))
		conn.Close(websocket.StatusTryAgainLater, "server is shutting down")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeResults(ctx, cancel, conn, sess)
	}()

	s.readFrames(ctx, conn, sess)

	// Ending the session discards pending frames and closes Results,
	// which stops the writer.
	s.pipeline.Close(sess.ID)
	<-writerDone
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) readFrames(ctx context.Context, conn *websocket.Conn, sess *pipeline.Session) {
	logger := sess.Logger()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				logger.Debug("Client closed stream")
			default:
				if ctx.Err() == nil {
					logger.Info("Stream read ended", zap.Error(err))
				}
			}
			return
		}

		frame, err := decodeFrame(typ, data)
		if err != nil {
			if _, err := s.pipeline.Reject(sess, err.Error()); err != nil {
				return
			}
			continue
		}

		if _, err := s.pipeline.Submit(sess, frame); err != nil {
			if errors.Is(err, pipeline.ErrBackpressure) {
				continue
			}
			logger.Info("Stream stopped accepting frames", zap.Error(err))
			return
		}
	}
}

// writeResults forwards results until the session closes Results. After a
// failed write it keeps draining so the session can finish.
func (s *Server) writeResults(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *pipeline.Session) {
	broken := false
	for res := range sess.Results() {
		if broken {
			continue
		}
		data, err := json.Marshal(res)
		if err != nil {
			sess.Logger().Error("Failed to encode frame result", zap.Uint64("frame", res.Frame), zap.Error(err))
			continue
		}

		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(wctx, websocket.MessageText, data)
		wcancel()
		if err != nil {
			if ctx.Err() == nil {
				sess.Logger().Info("Stream write failed", zap.Uint64("frame", res.Frame), zap.Error(err))
			}
			broken = true
			cancel()
		}
	}
}

// handleUpload streams a multipart "file" field to the object store. The
// file type is checked before anything is uploaded.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.videos == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "object store is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes())
	mr, err := r.MultipartReader()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "expected multipart/form-data body")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeJSONError(w, http.StatusBadRequest, "missing file field")
			return
		}
		if err != nil {
			s.writeBodyError(w, err)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		filename := part.FileName()
		url, err := s.videos.Upload(r.Context(), filename, part)
		part.Close()
		if err != nil {
			switch {
			case errors.Is(err, objectstore.ErrUnsupportedFileType):
				writeJSONError(w, http.StatusBadRequest, "Unsupported file type. Allowed: .mp4, .avi, .mov, .mkv, .webm")
			case errors.Is(err, objectstore.ErrUploadFailed):
				writeJSONError(w, http.StatusInternalServerError, "Failed to upload video")
			default:
				s.writeBodyError(w, err)
			}
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"url":       url,
			"file_name": path.Base(filename),
		})
		return
	}
}

func (s *Server) writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		return
	}
	s.logger.Warn("Upload request failed", zap.Error(err))
	writeJSONError(w, http.StatusBadRequest, "malformed upload request")
}
