package syncqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pot-code/progress-sync/internal/infrastructure/driver"
	"github.com/pot-code/progress-sync/internal/infrastructure/uuid"
	"github.com/pot-code/progress-sync/internal/progress"
)

// ItemType .
type ItemType string

// queued mutation types
const (
	TypeProgress    ItemType = "progress"
	TypeInteraction ItemType = "interaction"
)

// Status .
type Status string

// item statuses
const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed" // retried once NextAttemptAt has passed
	StatusDead    Status = "dead"   // retry budget exhausted, kept until revived
)

// ErrItemNotFound .
var ErrItemNotFound = errors.New("queue item not found")

// Item a mutation waiting to be replayed against the remote side
type Item struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Type          ItemType        `json:"type"`
	Key           string          `json:"key,omitempty"` // items sharing a key hold one latest payload
	Revision      int             `json:"revision,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
}

// Due whether an automatic pass may attempt the item at now
func (it *Item) Due(now time.Time) bool {
	switch it.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return !now.Before(it.NextAttemptAt)
	}
	return false
}

func (it *Item) clone() *Item {
	out := *it
	out.Payload = append(json.RawMessage(nil), it.Payload...)
	return &out
}

// Queue durable FIFO of one user's pending mutations.
//
// When the backing KeyValueDB fails the queue keeps its items in memory for the rest of
// the session and reports Degraded.
type Queue struct {
	userID string
	kv     driver.KeyValueDB
	ids    uuid.Generator
	policy RetryPolicy
	now    func() time.Time

	mu       sync.Mutex
	degraded bool
	overlay  map[string]*Item // keyed by storage key, nil value is a tombstone
}

// New bind a queue to userID
func New(kv driver.KeyValueDB, userID string, ids uuid.Generator, policy RetryPolicy) *Queue {
	return &Queue{
		userID:  userID,
		kv:      kv,
		ids:     ids,
		policy:  policy,
		now:     time.Now,
		overlay: make(map[string]*Item),
	}
}

// Prefix storage key prefix of userID's queue
func Prefix(userID string) string {
	return "queue:" + userID + ":"
}

func (q *Queue) storageKey(it *Item) string {
	// zero padded creation time keeps lexical order equal to FIFO order
	return fmt.Sprintf("%s%020d:%s", Prefix(q.userID), it.CreatedAt.UnixNano(), it.ID)
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %s", progress.ErrStorage, err)
}

// Degraded whether queued items are kept in memory only
func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

// save caller holds q.mu
func (q *Queue) save(it *Item) error {
	raw, err := json.Marshal(it)
	if err != nil {
		return err
	}
	sk := q.storageKey(it)
	if !q.degraded {
		if q.kv.SetEX(sk, string(raw), 0) == nil {
			return nil
		}
		q.degraded = true
	}
	q.overlay[sk] = it.clone()
	return nil
}

// remove caller holds q.mu
func (q *Queue) remove(it *Item) {
	sk := q.storageKey(it)
	if !q.degraded {
		if q.kv.Delete(sk) == nil {
			return
		}
		q.degraded = true
	}
	q.overlay[sk] = nil
}

// load every item in FIFO order, caller holds q.mu
func (q *Queue) load() ([]*Item, error) {
	merged := make(map[string]*Item)
	keys, err := q.kv.Keys(Prefix(q.userID))
	if err != nil {
		q.degraded = true
	}
	for _, k := range keys {
		raw, err := q.kv.Get(k)
		if errors.Is(err, driver.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			q.degraded = true
			break
		}
		it := new(Item)
		if err := json.Unmarshal([]byte(raw), it); err != nil {
			return nil, storageErr(err)
		}
		merged[k] = it
	}
	for k, it := range q.overlay {
		if it == nil {
			delete(merged, k)
			continue
		}
		merged[k] = it.clone()
	}

	sks := make([]string, 0, len(merged))
	for k := range merged {
		sks = append(sks, k)
	}
	sort.Strings(sks)
	items := make([]*Item, 0, len(sks))
	for _, k := range sks {
		items = append(items, merged[k])
	}
	return items, nil
}

// find caller holds q.mu
func (q *Queue) find(id string) (*Item, error) {
	items, err := q.load()
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.ID == id {
			return it, nil
		}
	}
	return nil, ErrItemNotFound
}

// Enqueue append a pending item carrying payload as JSON
func (q *Queue) Enqueue(typ ItemType, payload interface{}) (*Item, error) {
	it, _, err := q.enqueue(typ, "", payload)
	return it, err
}

// EnqueueLatest queue payload as the latest state of key. A pending or failed item of the
// same type and key is rewritten in place and keeps its FIFO slot, the second return is
// false in that case.
func (q *Queue) EnqueueLatest(typ ItemType, key string, payload interface{}) (*Item, bool, error) {
	return q.enqueue(typ, key, payload)
}

func (q *Queue) enqueue(typ ItemType, key string, payload interface{}) (*Item, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if key != "" {
		items, err := q.load()
		if err != nil {
			return nil, false, err
		}
		for _, it := range items {
			if it.Type != typ || it.Key != key || it.Status == StatusDead {
				continue
			}
			it.Payload = raw
			it.Revision++
			if err := q.save(it); err != nil {
				return nil, false, err
			}
			return it, false, nil
		}
	}

	id, err := q.ids.Generate()
	if err != nil {
		return nil, false, err
	}
	it := &Item{
		ID:        id,
		UserID:    q.userID,
		Type:      typ,
		Key:       key,
		Payload:   raw,
		Status:    StatusPending,
		CreatedAt: q.now(),
	}
	if err := q.save(it); err != nil {
		return nil, false, err
	}
	return it, true, nil
}

// DequeueSuccess remove an item whose mutation reached the remote side
func (q *Queue) DequeueSuccess(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, err := q.find(id)
	if err != nil {
		return err
	}
	q.remove(it)
	return nil
}

// Ack remove it once its payload reached the remote side. An item rewritten by
// EnqueueLatest since it was read is kept and Ack returns false.
func (q *Queue) Ack(it *Item) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	current, err := q.find(it.ID)
	if err != nil {
		return false, err
	}
	if current.Revision != it.Revision {
		return false, nil
	}
	q.remove(current)
	return true, nil
}

// MarkFailed record a failed attempt and schedule the next one, or dead-letter the item
func (q *Queue) MarkFailed(id string, cause error) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, err := q.find(id)
	if err != nil {
		return nil, err
	}
	it.RetryCount++
	if cause != nil {
		it.LastError = cause.Error()
	}
	if q.policy.Exhausted(it.RetryCount) {
		it.Status = StatusDead
		it.NextAttemptAt = time.Time{}
	} else {
		it.Status = StatusFailed
		it.NextAttemptAt = q.now().Add(q.policy.Delay(it.RetryCount))
	}
	if err := q.save(it); err != nil {
		return nil, err
	}
	return it, nil
}

func (q *Queue) filter(keep func(*Item) bool) ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.load()
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out, nil
}

// ListPending pending and failed items, FIFO
func (q *Queue) ListPending() ([]*Item, error) {
	return q.filter(func(it *Item) bool {
		return it.Status == StatusPending || it.Status == StatusFailed
	})
}

// ListDue items an automatic pass may attempt at now, FIFO
func (q *Queue) ListDue(now time.Time) ([]*Item, error) {
	return q.filter(func(it *Item) bool {
		return it.Due(now)
	})
}

// ListDead .
func (q *Queue) ListDead() ([]*Item, error) {
	return q.filter(func(it *Item) bool {
		return it.Status == StatusDead
	})
}

// Revive give dead items a fresh retry budget, returns how many were revived
func (q *Queue) Revive() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.load()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if it.Status != StatusDead {
			continue
		}
		it.Status = StatusFailed
		it.RetryCount = 0
		it.NextAttemptAt = time.Time{}
		if err := q.save(it); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Len number of queued items, dead ones included
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.load()
	if err != nil {
		return 0, err
	}
	return len(items), nil
}
