package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pot-code/progress-sync/internal/infrastructure/driver"
	"github.com/pot-code/progress-sync/internal/infrastructure/logging"
	"github.com/pot-code/progress-sync/internal/progress"
)

// Store last known progress of one user, served without touching the remote side.
//
// When the backing KeyValueDB fails the store keeps working from memory for the rest of
// the session and reports Degraded.
type Store struct {
	userID string
	kv     driver.KeyValueDB
	logger *zap.Logger

	mu       sync.RWMutex
	degraded bool
	overlay  map[string]*progress.Record // keyed by full storage key, nil value is a tombstone
}

// New bind a store to userID
func New(ctx context.Context, kv driver.KeyValueDB, userID string) *Store {
	return &Store{
		userID:  userID,
		kv:      kv,
		logger:  logging.ExtractLoggerFromContext(ctx).With(zap.String("user.id", userID)),
		overlay: make(map[string]*progress.Record),
	}
}

// Prefix storage key prefix of userID's records
func Prefix(userID string) string {
	return "progress:" + userID + ":"
}

func (s *Store) storageKey(key progress.ContentKey) string {
	return Prefix(s.userID) + key.String()
}

// Degraded whether progress is kept in memory only
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// degrade caller holds s.mu
func (s *Store) degrade(err error) {
	if !s.degraded {
		s.logger.Warn("local storage unavailable, progress will not persist across reload", zap.Error(err))
	}
	s.degraded = true
}

// Get nil when absent. A failed read of a record not held in memory is a progress.ErrStorage.
func (s *Store) Get(key progress.ContentKey) (*progress.Record, error) {
	sk := s.storageKey(key)

	s.mu.RLock()
	rec, inOverlay := s.overlay[sk]
	s.mu.RUnlock()
	if inOverlay {
		return rec.Clone(), nil
	}

	raw, err := s.kv.Get(sk)
	if errors.Is(err, driver.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		s.mu.Lock()
		s.degrade(err)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", progress.ErrStorage, err)
	}
	rec, err = decode(raw)
	if err != nil {
		s.logger.Warn("skip corrupted local record", zap.String("progress.key", sk), zap.Error(err))
		return nil, nil
	}
	return rec, nil
}

// Put overwrite unconditionally
func (s *Store) Put(rec *progress.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	sk := s.storageKey(rec.Key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.degraded {
		err := s.kv.SetEX(sk, string(raw), 0)
		if err == nil {
			return nil
		}
		s.degrade(err)
	}
	s.overlay[sk] = rec.Clone()
	return nil
}

// Delete .
func (s *Store) Delete(key progress.ContentKey) error {
	sk := s.storageKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.degraded {
		err := s.kv.Delete(sk)
		if err == nil {
			return nil
		}
		s.degrade(err)
	}
	s.overlay[sk] = nil
	return nil
}

// GetAll every record of the user, sorted by key
func (s *Store) GetAll() ([]*progress.Record, error) {
	prefix := Prefix(s.userID)
	merged := make(map[string]*progress.Record)

	keys, err := s.kv.Keys(prefix)
	if err != nil {
		s.mu.Lock()
		s.degrade(err)
		s.mu.Unlock()
	}
	for _, sk := range keys {
		raw, err := s.kv.Get(sk)
		if errors.Is(err, driver.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			s.mu.Lock()
			s.degrade(err)
			s.mu.Unlock()
			break
		}
		rec, err := decode(raw)
		if err != nil {
			s.logger.Warn("skip corrupted local record", zap.String("progress.key", sk), zap.Error(err))
			continue
		}
		merged[sk] = rec
	}

	s.mu.RLock()
	for sk, rec := range s.overlay {
		if rec == nil {
			delete(merged, sk)
			continue
		}
		merged[sk] = rec.Clone()
	}
	s.mu.RUnlock()

	sks := make([]string, 0, len(merged))
	for sk := range merged {
		if strings.HasPrefix(sk, prefix) {
			sks = append(sks, sk)
		}
	}
	sort.Strings(sks)
	out := make([]*progress.Record, 0, len(sks))
	for _, sk := range sks {
		out = append(out, merged[sk])
	}
	return out, nil
}

func decode(raw string) (*progress.Record, error) {
	rec := new(progress.Record)
	if err := json.Unmarshal([]byte(raw), rec); err != nil {
		return nil, fmt.Errorf("%w: %s", progress.ErrStorage, err)
	}
	return rec, nil
}
