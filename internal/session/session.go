package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pot-code/progress-sync/internal/infrastructure/changefeed"
	"github.com/pot-code/progress-sync/internal/infrastructure/driver"
	"github.com/pot-code/progress-sync/internal/infrastructure/logging"
	"github.com/pot-code/progress-sync/internal/infrastructure/uuid"
	"github.com/pot-code/progress-sync/internal/localstore"
	"github.com/pot-code/progress-sync/internal/remote"
	"github.com/pot-code/progress-sync/internal/syncer"
	"github.com/pot-code/progress-sync/internal/syncqueue"
	"github.com/pot-code/progress-sync/internal/tracker"
)

// ErrNoSession no open session for the user
var ErrNoSession = errors.New("no open session")

// Session one logged-in user
type Session struct {
	ID           string
	UserID       string
	Orchestrator *syncer.Orchestrator
	Tracker      *tracker.Tracker
}

func (s *Session) close() {
	s.Orchestrator.Close()
	s.Tracker.Stop()
}

// Config shared dependencies of every session
type Config struct {
	Local           driver.KeyValueDB
	Persistence     remote.Persistence
	Outlines        tracker.OutlineProvider
	Online          tracker.Connectivity
	Feed            changefeed.Feed // optional
	IDs             uuid.Generator
	Policy          syncqueue.RetryPolicy
	ConflictRetries uint64
	FetchTimeout    time.Duration
	Interval        time.Duration
}

// Manager owns the sessions of the process, at most one per user
type Manager struct {
	cfg    Config
	base   context.Context
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager ctx carries the logger handed down to every session
func NewManager(ctx context.Context, cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		base:     ctx,
		logger:   logging.ExtractLoggerFromContext(ctx),
		sessions: make(map[string]*Session),
	}
}

// Open return the session of userID, creating and starting it on first use
func (m *Manager) Open(userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		return s, nil
	}

	id, err := m.cfg.IDs.Generate()
	if err != nil {
		return nil, err
	}
	ctx := logging.SetLoggerInContext(m.base, m.logger.With(zap.String("session.id", id)))
	orch := syncer.New(ctx, syncer.Config{
		UserID:       userID,
		SessionID:    id,
		Local:        localstore.New(ctx, m.cfg.Local, userID),
		Queue:        syncqueue.New(m.cfg.Local, userID, m.cfg.IDs, m.cfg.Policy),
		Remote:       remote.NewService(m.cfg.Persistence, m.cfg.ConflictRetries),
		Online:       m.cfg.Online,
		Feed:         m.cfg.Feed,
		IDs:          m.cfg.IDs,
		FetchTimeout: m.cfg.FetchTimeout,
	})
	s := &Session{
		ID:           id,
		UserID:       userID,
		Orchestrator: orch,
		Tracker: tracker.New(ctx, tracker.Config{
			Orchestrator: orch,
			Outlines:     m.cfg.Outlines,
			Online:       m.cfg.Online,
			Feed:         m.cfg.Feed,
			Interval:     m.cfg.Interval,
		}),
	}
	s.Tracker.Start(m.base)
	m.sessions[userID] = s
	m.logger.Info("session opened", zap.String("user.id", userID), zap.String("session.id", id))
	return s, nil
}

// Get the open session of userID
func (m *Manager) Get(userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// Close end the session of userID, an in-flight sync pass is aborted
func (m *Manager) Close(userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	s.close()
	m.logger.Info("session closed", zap.String("user.id", userID), zap.String("session.id", s.ID))
	return nil
}

// CloseAll end every session, used on shutdown
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
