package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pot-code/progress-sync/internal/progress"
)

// Op persistence operation name, used for failure injection
type Op string

// operations of Persistence
const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpList   Op = "list"
	OpAppend Op = "append"
	OpTouch  Op = "touch"
)

// FailureFunc returns the error an operation should fail with, or nil
type FailureFunc func(op Op, userID string, key progress.ContentKey) error

// Memory in-process Persistence
type Memory struct {
	mu           sync.Mutex
	rows         map[string]map[progress.ContentKey]*progress.Record
	interactions map[string]*progress.InteractionEvent
	sessions     map[string]time.Time
	writes       int
	inject       FailureFunc
}

var _ Persistence = &Memory{}

// NewMemory .
func NewMemory() *Memory {
	return &Memory{
		rows:         make(map[string]map[progress.ContentKey]*progress.Record),
		interactions: make(map[string]*progress.InteractionEvent),
		sessions:     make(map[string]time.Time),
	}
}

// Inject set the failure hook, nil clears it
func (m *Memory) Inject(f FailureFunc) {
	m.mu.Lock()
	m.inject = f
	m.mu.Unlock()
}

// FailWith make every operation fail with err until cleared with FailWith(nil)
func (m *Memory) FailWith(err error) {
	if err == nil {
		m.Inject(nil)
		return
	}
	m.Inject(func(Op, string, progress.ContentKey) error { return err })
}

// Writes number of successful progress writes
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Interactions stored interaction events of userID, by id
func (m *Memory) Interactions(userID string) []*progress.InteractionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*progress.InteractionEvent
	for id, e := range m.interactions {
		if strings.HasPrefix(id, userID+":") {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LastActivity last heartbeat of a session
func (m *Memory) LastActivity(userID, sessionID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[userID+":"+sessionID]
	return t, ok
}

// caller holds m.mu
func (m *Memory) fail(op Op, userID string, key progress.ContentKey) error {
	if m.inject == nil {
		return nil
	}
	return m.inject(op, userID, key)
}

// ReadProgress .
func (m *Memory) ReadProgress(ctx context.Context, userID string, key progress.ContentKey) (*progress.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpRead, userID, key); err != nil {
		return nil, err
	}
	return m.rows[userID][key].Clone(), nil
}

// WriteProgress .
func (m *Memory) WriteProgress(ctx context.Context, userID string, rec *progress.Record) (*progress.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpWrite, userID, rec.Key); err != nil {
		return nil, err
	}
	var current int64
	if existing := m.rows[userID][rec.Key]; existing != nil {
		current = existing.Version
	}
	if current != rec.Version {
		return nil, fmt.Errorf("%w: %s is at version %d, not %d", progress.ErrConflict, rec.Key, current, rec.Version)
	}
	stored := rec.Clone()
	stored.Version = current + 1
	if m.rows[userID] == nil {
		m.rows[userID] = make(map[progress.ContentKey]*progress.Record)
	}
	m.rows[userID][rec.Key] = stored
	m.writes++
	return stored.Clone(), nil
}

// ListProgress .
func (m *Memory) ListProgress(ctx context.Context, userID string) ([]*progress.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpList, userID, progress.ContentKey{}); err != nil {
		return nil, err
	}
	out := make([]*progress.Record, 0, len(m.rows[userID]))
	for _, rec := range m.rows[userID] {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// AppendInteraction .
func (m *Memory) AppendInteraction(ctx context.Context, userID string, e *progress.InteractionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpAppend, userID, e.Key); err != nil {
		return err
	}
	id := userID + ":" + e.ID
	if _, ok := m.interactions[id]; ok {
		return nil
	}
	c := *e
	c.Synced = true
	m.interactions[id] = &c
	return nil
}

// TouchSession .
func (m *Memory) TouchSession(ctx context.Context, userID, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpTouch, userID, progress.ContentKey{}); err != nil {
		return err
	}
	m.sessions[userID+":"+sessionID] = at
	return nil
}

// MemoryOutlines in-process OutlineRepository
type MemoryOutlines struct {
	mu       sync.RWMutex
	outlines map[string]*progress.Outline
}

var _ OutlineRepository = &MemoryOutlines{}

// NewMemoryOutlines .
func NewMemoryOutlines(outlines ...*progress.Outline) *MemoryOutlines {
	m := &MemoryOutlines{outlines: make(map[string]*progress.Outline)}
	for _, o := range outlines {
		m.outlines[o.CourseID] = o
	}
	return m
}

// GetOutline .
func (m *MemoryOutlines) GetOutline(ctx context.Context, courseID string) (*progress.Outline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.outlines[courseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", progress.ErrCourseNotFound, courseID)
	}
	return o, nil
}
