package remote

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.elastic.co/apm"
	"go.uber.org/zap"

	"github.com/pot-code/progress-sync/internal/infrastructure/logging"
	"github.com/pot-code/progress-sync/internal/progress"
)

// Service remote progress operations on top of a Persistence
type Service struct {
	store           Persistence
	conflictRetries uint64
}

// NewService conflictRetries bounds the re-read/re-write cycles of one upsert
func NewService(store Persistence, conflictRetries uint64) *Service {
	return &Service{store: store, conflictRetries: conflictRetries}
}

// FetchProgress nil when the user has no remote row for key
func (s *Service) FetchProgress(ctx context.Context, userID string, key progress.ContentKey) (*progress.Record, error) {
	apmSpan, ctx := apm.StartSpan(ctx, "Service.FetchProgress", "service")
	defer apmSpan.End()

	return s.store.ReadProgress(ctx, userID, key)
}

// Merge result of applying a write based on version rec.Version to the stored row.
// The second return is false when the stored row already reflects rec.
func Merge(stored, rec *progress.Record) (*progress.Record, bool) {
	candidate := rec.Clone()
	candidate.Version = rec.Version + 1
	if stored == nil {
		candidate.Version = 0
		return candidate, true
	}
	merged := progress.Resolve(stored, candidate)
	if merged.Position == stored.Position &&
		merged.Completed == stored.Completed &&
		merged.LastUpdated.UnixMilli() == stored.LastUpdated.UnixMilli() {
		return stored.Clone(), false
	}
	merged.Version = stored.Version
	return merged, true
}

// UpsertProgress apply rec, based on remote version rec.Version, to the remote row.
//
// The write is merged with the current row and stored with a conditional update. A lost
// race is retried with a fresh read. Replaying a write that is already applied stores
// nothing and returns the current row.
func (s *Service) UpsertProgress(ctx context.Context, userID string, rec *progress.Record) (*progress.Record, error) {
	apmSpan, ctx := apm.StartSpan(ctx, "Service.UpsertProgress", "service")
	defer apmSpan.End()

	if err := rec.Validate(); err != nil {
		return nil, err
	}

	logger := logging.ExtractLoggerFromContext(ctx)
	var result *progress.Record
	operation := func() error {
		stored, err := s.store.ReadProgress(ctx, userID, rec.Key)
		if err != nil {
			return backoff.Permanent(err)
		}
		next, changed := Merge(stored, rec)
		if !changed {
			result = next
			return nil
		}
		written, err := s.store.WriteProgress(ctx, userID, next)
		if errors.Is(err, progress.ErrConflict) {
			logger.Debug("progress write lost a race, retrying",
				zap.String("user.id", userID), zap.String("progress.key", rec.Key.String()), zap.Error(err))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		result = written
		return nil
	}

	var retries backoff.BackOff = &backoff.StopBackOff{}
	if s.conflictRetries > 0 {
		retries = backoff.WithMaxRetries(&backoff.ZeroBackOff{}, s.conflictRetries)
	}
	if err := backoff.Retry(operation, backoff.WithContext(retries, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// InsertInteraction .
func (s *Service) InsertInteraction(ctx context.Context, userID string, e *progress.InteractionEvent) error {
	apmSpan, ctx := apm.StartSpan(ctx, "Service.InsertInteraction", "service")
	defer apmSpan.End()

	if err := e.Validate(); err != nil {
		return err
	}
	return s.store.AppendInteraction(ctx, userID, e)
}

// ListAllProgress .
func (s *Service) ListAllProgress(ctx context.Context, userID string) ([]*progress.Record, error) {
	apmSpan, ctx := apm.StartSpan(ctx, "Service.ListAllProgress", "service")
	defer apmSpan.End()

	return s.store.ListProgress(ctx, userID)
}

// Heartbeat record session activity
func (s *Service) Heartbeat(ctx context.Context, userID, sessionID string, at time.Time) error {
	return s.store.TouchSession(ctx, userID, sessionID, at)
}
