package changefeed

import (
	"context"
	"sync"
)

// Change a progress record of UserID was written by Origin
type Change struct {
	UserID  string `json:"uid"`
	Key     string `json:"key"`
	Version int64  `json:"version"`
	Origin  string `json:"origin"` // session id of the writer
}

// Feed delivers changes to every other session of the same user
type Feed interface {
	Publish(ctx context.Context, c Change) error
	// Subscribe returns changes of userID until cancel is called or ctx is done
	Subscribe(ctx context.Context, userID string) (ch <-chan Change, cancel func(), err error)
}

const subscriberBuffer = 32

// Memory in-process Feed
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Change
	nextID int
}

var _ Feed = &Memory{}

// NewMemory .
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]chan Change)}
}

// Publish slow subscribers miss changes instead of blocking the writer
func (m *Memory) Publish(ctx context.Context, c Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[c.UserID] {
		select {
		case ch <- c:
		default:
		}
	}
	return nil
}

// Subscribe .
func (m *Memory) Subscribe(ctx context.Context, userID string) (<-chan Change, func(), error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := make(chan Change, subscriberBuffer)
	if m.subs[userID] == nil {
		m.subs[userID] = make(map[int]chan Change)
	}
	m.subs[userID][id] = ch
	m.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			m.mu.Lock()
			delete(m.subs[userID], id)
			if len(m.subs[userID]) == 0 {
				delete(m.subs, userID)
			}
			m.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}
