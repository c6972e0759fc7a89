package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/pot-code/progress-sync/internal/infrastructure/driver"
	"github.com/pot-code/progress-sync/internal/progress"
)

// ProgressSQL Persistence over a relational database
type ProgressSQL struct {
	conn driver.ITransactionalDB
}

var _ Persistence = &ProgressSQL{}

// NewProgressSQL .
func NewProgressSQL(conn driver.ITransactionalDB) *ProgressSQL {
	return &ProgressSQL{conn: conn}
}

// classify map driver errors into the progress error taxonomy, keeping the cause
func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	wrapped := pkgerrors.Wrapf(err, format, args...)
	switch {
	case errors.Is(err, context.Canceled):
		return wrapped
	case driver.IsAuthFailure(err):
		return fmt.Errorf("%w: %w", progress.ErrAuth, wrapped)
	case driver.IsConnectionFailure(err):
		return fmt.Errorf("%w: %w", progress.ErrNetwork, wrapped)
	}
	return fmt.Errorf("%w: %w", progress.ErrServer, wrapped)
}

const progressColumns = `course_id, module_id, content_id, position_kind, position_value, completed, last_updated, version`

func scanRecord(rows driver.ISQLRows) (*progress.Record, error) {
	var (
		rec         progress.Record
		kind        string
		lastUpdated int64
	)
	err := rows.Scan(
		&rec.Key.CourseID, &rec.Key.ModuleID, &rec.Key.ContentID,
		&kind, &rec.Position.Value, &rec.Completed, &lastUpdated, &rec.Version,
	)
	if err != nil {
		return nil, err
	}
	rec.Position.Kind = progress.PositionKind(kind)
	rec.LastUpdated = time.UnixMilli(lastUpdated)
	return &rec, nil
}

// ReadProgress .
func (ps *ProgressSQL) ReadProgress(ctx context.Context, userID string, key progress.ContentKey) (*progress.Record, error) {
	rows, err := ps.conn.QueryContext(ctx,
		`SELECT `+progressColumns+`
		FROM content_progress
		WHERE user_id = $1 AND course_id = $2 AND module_id = $3 AND content_id = $4`,
		userID, key.CourseID, key.ModuleID, key.ContentID)
	if err != nil {
		return nil, classify(err, "read progress %s", key)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, classify(rows.Err(), "read progress %s", key)
	}
	rec, err := scanRecord(rows)
	return rec, classify(err, "scan progress %s", key)
}

// WriteProgress compare-and-swap on version
func (ps *ProgressSQL) WriteProgress(ctx context.Context, userID string, rec *progress.Record) (*progress.Record, error) {
	key := rec.Key
	if rec.Version == 0 {
		_, err := ps.conn.ExecContext(ctx,
			`INSERT INTO content_progress (user_id, `+progressColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			userID, key.CourseID, key.ModuleID, key.ContentID,
			string(rec.Position.Kind), rec.Position.Value, rec.Completed, rec.LastUpdated.UnixMilli(), int64(1))
		if driver.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s already exists", progress.ErrConflict, key)
		}
		if err != nil {
			return nil, classify(err, "insert progress %s", key)
		}
	} else {
		res, err := ps.conn.ExecContext(ctx,
			`UPDATE content_progress
			SET position_kind = $1, position_value = $2, completed = $3, last_updated = $4, version = version + 1
			WHERE user_id = $5 AND course_id = $6 AND module_id = $7 AND content_id = $8 AND version = $9`,
			string(rec.Position.Kind), rec.Position.Value, rec.Completed, rec.LastUpdated.UnixMilli(),
			userID, key.CourseID, key.ModuleID, key.ContentID, rec.Version)
		if err != nil {
			return nil, classify(err, "update progress %s", key)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, classify(err, "update progress %s", key)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s is no longer at version %d", progress.ErrConflict, key, rec.Version)
		}
	}
	stored := rec.Clone()
	stored.Version = rec.Version + 1
	return stored, nil
}

// ListProgress .
func (ps *ProgressSQL) ListProgress(ctx context.Context, userID string) ([]*progress.Record, error) {
	rows, err := ps.conn.QueryContext(ctx,
		`SELECT `+progressColumns+`
		FROM content_progress
		WHERE user_id = $1
		ORDER BY course_id, module_id, content_id`, userID)
	if err != nil {
		return nil, classify(err, "list progress")
	}
	defer rows.Close()

	var out []*progress.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify(err, "scan progress")
		}
		out = append(out, rec)
	}
	return out, classify(rows.Err(), "list progress")
}

// AppendInteraction .
func (ps *ProgressSQL) AppendInteraction(ctx context.Context, userID string, e *progress.InteractionEvent) error {
	var data interface{}
	if len(e.Data) > 0 {
		data = string(e.Data)
	}
	_, err := ps.conn.ExecContext(ctx,
		`INSERT INTO interaction_log (id, user_id, course_id, module_id, content_id, interaction_type, data, client_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, userID, e.Key.CourseID, e.Key.ModuleID, e.Key.ContentID, e.Type, data, e.ClientTimestamp.UnixMilli())
	if driver.IsUniqueViolation(err) {
		return nil // replayed
	}
	return classify(err, "append interaction %s", e.ID)
}

// TouchSession upsert the last activity of a learning session
func (ps *ProgressSQL) TouchSession(ctx context.Context, userID, sessionID string, at time.Time) error {
	res, err := ps.conn.ExecContext(ctx,
		`UPDATE learning_session SET last_activity = $1 WHERE user_id = $2 AND session_id = $3`,
		at.UnixMilli(), userID, sessionID)
	if err != nil {
		return classify(err, "touch session %s", sessionID)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = ps.conn.ExecContext(ctx,
		`INSERT INTO learning_session (user_id, session_id, started_at, last_activity) VALUES ($1, $2, $3, $4)`,
		userID, sessionID, at.UnixMilli(), at.UnixMilli())
	if driver.IsUniqueViolation(err) {
		return nil
	}
	return classify(err, "touch session %s", sessionID)
}

// SeedProgress insert or replace rows as-is, versions included, for fixtures and imports
func (ps *ProgressSQL) SeedProgress(ctx context.Context, userID string, recs []*progress.Record) (err error) {
	tx, err := ps.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin seed")
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()
	for _, rec := range recs {
		key := rec.Key
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM content_progress WHERE user_id = $1 AND course_id = $2 AND module_id = $3 AND content_id = $4`,
			userID, key.CourseID, key.ModuleID, key.ContentID); err != nil {
			return classify(err, "seed progress %s", key)
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO content_progress (user_id, `+progressColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			userID, key.CourseID, key.ModuleID, key.ContentID,
			string(rec.Position.Kind), rec.Position.Value, rec.Completed, rec.LastUpdated.UnixMilli(), rec.Version); err != nil {
			return classify(err, "seed progress %s", key)
		}
	}
	return classify(tx.Commit(ctx), "commit seed")
}
