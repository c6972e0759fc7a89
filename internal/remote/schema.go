package remote

import (
	"context"

	"github.com/pkg/errors"

	"github.com/pot-code/progress-sync/internal/infrastructure/driver"
)

// statements stay within the subset shared by mysql, postgres and sqlite
var schema = []string{
	`CREATE TABLE IF NOT EXISTS content_progress (
		user_id VARCHAR(64) NOT NULL,
		course_id VARCHAR(64) NOT NULL,
		module_id VARCHAR(64) NOT NULL,
		content_id VARCHAR(64) NOT NULL,
		position_kind VARCHAR(16) NOT NULL,
		position_value DOUBLE PRECISION NOT NULL,
		completed BOOLEAN NOT NULL,
		last_updated BIGINT NOT NULL,
		version BIGINT NOT NULL,
		PRIMARY KEY (user_id, course_id, module_id, content_id)
	)`,
	`CREATE TABLE IF NOT EXISTS interaction_log (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		course_id VARCHAR(64) NOT NULL,
		module_id VARCHAR(64) NOT NULL,
		content_id VARCHAR(64) NOT NULL,
		interaction_type VARCHAR(64) NOT NULL,
		data TEXT,
		client_timestamp BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS learning_session (
		user_id VARCHAR(64) NOT NULL,
		session_id VARCHAR(64) NOT NULL,
		started_at BIGINT NOT NULL,
		last_activity BIGINT NOT NULL,
		PRIMARY KEY (user_id, session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS course (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		title VARCHAR(255) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS course_module (
		id VARCHAR(64) NOT NULL,
		course_id VARCHAR(64) NOT NULL,
		title VARCHAR(255) NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (course_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS module_content (
		id VARCHAR(64) NOT NULL,
		course_id VARCHAR(64) NOT NULL,
		module_id VARCHAR(64) NOT NULL,
		title VARCHAR(255) NOT NULL,
		content_type VARCHAR(16) NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (course_id, module_id, id)
	)`,
}

// Migrate create missing tables
func Migrate(ctx context.Context, conn driver.ITransactionalDB) error {
	for _, stmt := range schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return nil
}
