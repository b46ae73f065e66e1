// Package stream implements the chunked NDJSON transport: long-lived
// response sessions with heartbeats, the process-wide connection registry,
// and the consumer that republishes model output as session events.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/costline/costline/internal/domain"
	"go.uber.org/zap"
)

// Session upgrades one HTTP response into a long-lived, chunked,
// newline-delimited-JSON channel.
type Session struct {
	ID     string
	UserID string

	mu          sync.Mutex
	w           http.ResponseWriter
	flusher     http.Flusher
	headersSent bool
	ended       bool
	bytes       int64
	startedAt   time.Time
	lastWrite   time.Time
	done        chan struct{}

	logger *zap.Logger
}

// NewSession wraps a response writer. The writer must support flushing;
// buffered transports cannot carry a live stream.
func NewSession(id, userID string, w http.ResponseWriter, logger *zap.Logger) (*Session, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, domain.NewError(domain.KindUnknown, "response writer does not support streaming", nil)
	}
	now := time.Now()
	return &Session{
		ID:        id,
		UserID:    userID,
		w:         w,
		flusher:   flusher,
		startedAt: now,
		lastWrite: now,
		done:      make(chan struct{}),
		logger:    logger,
	}, nil
}

// Open sends the streaming headers. Chunked transfer follows from the
// absent content length; the X-Accel-Buffering hint keeps proxies from
// buffering the stream.
func (s *Session) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headersSent || s.ended {
		return
	}
	s.openLocked()
	s.flusher.Flush()
}

// Write serializes one event as a single JSON line and flushes it
// immediately. It returns the byte count written.
func (s *Session) Write(event domain.StreamEvent) (int, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return 0, domain.ErrConnectionClosed
	}
	return s.writeLocked(data)
}

// WriteHeartbeat writes a bare newline. Clients ignore it; its only job
// is keeping intermediary proxies from timing out an idle connection.
func (s *Session) WriteHeartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return domain.ErrConnectionClosed
	}
	if !s.headersSent {
		s.openLocked()
	}

	n, err := s.w.Write([]byte("\n"))
	if err != nil {
		return domain.ErrConnectionClosed
	}
	s.flusher.Flush()
	s.bytes += int64(n)
	return nil
}

// End optionally writes one last event, then closes the session. The
// final write and the close happen under one lock, so no other write can
// land between them. Any write after End fails with ErrConnectionClosed.
func (s *Session) End(final *domain.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	if final != nil {
		if data, err := json.Marshal(*final); err == nil {
			s.writeLocked(data)
		}
	}
	s.ended = true
	close(s.done)
	return nil
}

// writeLocked sends one JSON line over the transport. Callers hold s.mu.
func (s *Session) writeLocked(data []byte) (int, error) {
	if !s.headersSent {
		s.openLocked()
	}
	n, err := s.w.Write(append(data, '\n'))
	if err != nil {
		return n, domain.ErrConnectionClosed
	}
	s.flusher.Flush()
	s.bytes += int64(n)
	s.lastWrite = time.Now()
	return n, nil
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// StartHeartbeat writes a heartbeat every interval until the session ends.
func (s *Session) StartHeartbeat(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				if err := s.WriteHeartbeat(); err != nil {
					return
				}
			}
		}
	}()
}

// Watch ends the session when the request context is cancelled, i.e. the
// client disconnected. The disconnect is not an application error.
func (s *Session) Watch(ctx <-chan struct{}) {
	go func() {
		select {
		case <-ctx:
			s.logger.Debug("client disconnected", zap.String("connection_id", s.ID))
			s.End(nil)
		case <-s.done:
		}
	}()
}

// StartTimeout arms a watchdog: unless the returned clear function runs
// first, the session is force-ended with a non-recoverable error event.
// It protects against a hung upstream call.
func (s *Session) StartTimeout(d time.Duration) (stop func()) {
	timer := time.AfterFunc(d, func() {
		ev := domain.ErrorEvent("stream timed out", false)
		s.Write(ev)
		s.End(nil)
	})
	return func() { timer.Stop() }
}

// HeadersSent reports whether the response has begun streaming.
func (s *Session) HeadersSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headersSent
}

// BytesWritten returns the cumulative bytes written to the transport.
func (s *Session) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// StartedAt returns the session creation time.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// LastActivity returns the time of the last substantive write.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWrite
}

func (s *Session) openLocked() {
	h := s.w.Header()
	h.Set("Content-Type", "application/x-ndjson")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.headersSent = true
}
