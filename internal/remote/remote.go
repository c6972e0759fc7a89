package remote

import (
	"context"
	"time"

	"github.com/pot-code/progress-sync/internal/progress"
)

// Persistence remote store of progress rows and interaction logs.
//
// Errors are classified into progress.ErrNetwork, ErrAuth, ErrConflict and ErrServer.
type Persistence interface {
	// ReadProgress nil when the row does not exist
	ReadProgress(ctx context.Context, userID string, key progress.ContentKey) (*progress.Record, error)
	// WriteProgress stores rec if the current row is at rec.Version (0 means absent) and
	// returns the stored row at rec.Version+1, ErrConflict otherwise
	WriteProgress(ctx context.Context, userID string, rec *progress.Record) (*progress.Record, error)
	ListProgress(ctx context.Context, userID string) ([]*progress.Record, error)
	// AppendInteraction appending an event id twice is a no-op
	AppendInteraction(ctx context.Context, userID string, e *progress.InteractionEvent) error
	TouchSession(ctx context.Context, userID, sessionID string, at time.Time) error
}

// OutlineRepository read-only course outlines
type OutlineRepository interface {
	GetOutline(ctx context.Context, courseID string) (*progress.Outline, error)
}
