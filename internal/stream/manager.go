package stream

import (
	"sync"
	"time"

	"github.com/costline/costline/internal/domain"
	"go.uber.org/zap"
)

// Manager is the process-wide registry of active streaming sessions. It is
// constructed once at the composition root and handed to every handler
// that needs it. Admission control (the per-user connection cap) happens
// inside TryAdd so the count check and the insert share one lock.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	userCounts map[string]int
	logger     *zap.Logger
}

// ConnectionStats describes one tracked connection.
type ConnectionStats struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	DurationMs   int64  `json:"duration_ms"`
	IdleMs       int64  `json:"idle_ms"`
	BytesWritten int64  `json:"bytes_written"`
}

// Stats is a snapshot of the registry.
type Stats struct {
	TotalConnections int               `json:"total_connections"`
	PerUser          map[string]int    `json:"per_user"`
	Connections      []ConnectionStats `json:"connections"`
}

// NewManager creates an empty registry.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		userCounts: make(map[string]int),
		logger:     logger,
	}
}

// Add records a session and bumps its owner's connection counter without
// any cap.
func (m *Manager) Add(s *Session) {
	m.TryAdd(s, 0)
}

// TryAdd records a session unless its owner already holds max open
// connections. A max of zero or less means unlimited. The check and the
// insert happen under one lock, so concurrent admissions for the same
// user cannot overshoot the cap.
func (m *Manager) TryAdd(s *Session, max int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max > 0 && m.userCounts[s.UserID] >= max {
		return false
	}
	m.sessions[s.ID] = s
	m.userCounts[s.UserID]++
	m.logger.Debug("connection registered",
		zap.String("connection_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.Int("user_connections", m.userCounts[s.UserID]),
	)
	return true
}

// Remove deregisters a session. A session that never started streaming is
// actively ended; one already past its headers is left to its producer to
// avoid double-closing.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if m.userCounts[s.UserID] > 0 {
			m.userCounts[s.UserID]--
		}
		if m.userCounts[s.UserID] == 0 {
			delete(m.userCounts, s.UserID)
		}
	}
	m.mu.Unlock()

	if ok && !s.HeadersSent() {
		s.End(nil)
	}
}

// Get returns a tracked session, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// UserConnectionCount returns the number of open sessions a user holds.
func (m *Manager) UserConnectionCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userCounts[userID]
}

// Broadcast writes an event to every session already in a writable
// streaming state. Sessions that have not sent headers are skipped.
func (m *Manager) Broadcast(event domain.StreamEvent) int {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sent := 0
	for _, s := range sessions {
		if !s.HeadersSent() {
			continue
		}
		if _, err := s.Write(event); err == nil {
			sent++
		}
	}
	return sent
}

// Stats snapshots the whole registry.
func (m *Manager) Stats() Stats {
	return m.statsFiltered("")
}

// StatsForUser snapshots only the caller's own connections.
func (m *Manager) StatsForUser(userID string) Stats {
	return m.statsFiltered(userID)
}

func (m *Manager) statsFiltered(userID string) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		PerUser:     make(map[string]int),
		Connections: []ConnectionStats{},
	}
	for _, s := range m.sessions {
		if userID != "" && s.UserID != userID {
			continue
		}
		stats.TotalConnections++
		stats.PerUser[s.UserID]++
		now := time.Now()
		stats.Connections = append(stats.Connections, ConnectionStats{
			ID:           s.ID,
			UserID:       s.UserID,
			DurationMs:   now.Sub(s.StartedAt()).Milliseconds(),
			IdleMs:       now.Sub(s.LastActivity()).Milliseconds(),
			BytesWritten: s.BytesWritten(),
		})
	}
	return stats
}

// CloseAll notifies and ends every streaming session, leaving the
// registry empty. Used during graceful shutdown; returns once every
// session has been processed.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.userCounts = make(map[string]int)
	m.mu.Unlock()

	for _, s := range sessions {
		if s.HeadersSent() {
			s.Write(domain.StreamEvent{
				Type:    domain.EventServerShutdown,
				Message: "server is shutting down",
			})
		}
		s.End(nil)
	}
	m.logger.Info("all streaming connections closed", zap.Int("count", len(sessions)))
}
