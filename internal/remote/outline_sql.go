package remote

import (
	"context"
	"fmt"

	"github.com/pot-code/progress-sync/internal/infrastructure/driver"
	"github.com/pot-code/progress-sync/internal/progress"
)

// OutlineSQL course outlines from the relational backend
type OutlineSQL struct {
	conn driver.ITransactionalDB
}

var _ OutlineRepository = &OutlineSQL{}

// NewOutlineSQL .
func NewOutlineSQL(conn driver.ITransactionalDB) *OutlineSQL {
	return &OutlineSQL{conn: conn}
}

// GetOutline .
func (r *OutlineSQL) GetOutline(ctx context.Context, courseID string) (*progress.Outline, error) {
	outline := &progress.Outline{CourseID: courseID}

	rows, err := r.conn.QueryContext(ctx, `SELECT title FROM course WHERE id = $1`, courseID)
	if err != nil {
		return nil, classify(err, "get course %s", courseID)
	}
	found := rows.Next()
	if found {
		err = rows.Scan(&outline.Title)
	}
	rows.Close()
	if err != nil {
		return nil, classify(err, "scan course %s", courseID)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", progress.ErrCourseNotFound, courseID)
	}

	rows, err = r.conn.QueryContext(ctx,
		`SELECT id, title FROM course_module WHERE course_id = $1 ORDER BY seq, id`, courseID)
	if err != nil {
		return nil, classify(err, "get modules of %s", courseID)
	}
	index := make(map[string]int)
	for rows.Next() {
		var m progress.OutlineModule
		if err = rows.Scan(&m.ID, &m.Title); err != nil {
			break
		}
		index[m.ID] = len(outline.Modules)
		outline.Modules = append(outline.Modules, m)
	}
	if err == nil {
		err = rows.Err()
	}
	rows.Close()
	if err != nil {
		return nil, classify(err, "scan modules of %s", courseID)
	}

	rows, err = r.conn.QueryContext(ctx,
		`SELECT module_id, id, title, content_type FROM module_content WHERE course_id = $1 ORDER BY seq, id`, courseID)
	if err != nil {
		return nil, classify(err, "get contents of %s", courseID)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			moduleID, contentType string
			c                     progress.OutlineContent
		)
		if err := rows.Scan(&moduleID, &c.ID, &c.Title, &contentType); err != nil {
			return nil, classify(err, "scan contents of %s", courseID)
		}
		c.Type = progress.ContentType(contentType)
		i, ok := index[moduleID]
		if !ok {
			continue // orphaned content
		}
		outline.Modules[i].Contents = append(outline.Modules[i].Contents, c)
	}
	return outline, classify(rows.Err(), "scan contents of %s", courseID)
}

// SaveOutline replace the outline of a course
func (r *OutlineSQL) SaveOutline(ctx context.Context, o *progress.Outline) (err error) {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin save outline")
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	for _, stmt := range []string{
		`DELETE FROM module_content WHERE course_id = $1`,
		`DELETE FROM course_module WHERE course_id = $1`,
		`DELETE FROM course WHERE id = $1`,
	} {
		if _, err = tx.ExecContext(ctx, stmt, o.CourseID); err != nil {
			return classify(err, "clear outline %s", o.CourseID)
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO course (id, title) VALUES ($1, $2)`, o.CourseID, o.Title); err != nil {
		return classify(err, "save course %s", o.CourseID)
	}
	for mi, m := range o.Modules {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO course_module (id, course_id, title, seq) VALUES ($1, $2, $3, $4)`,
			m.ID, o.CourseID, m.Title, mi); err != nil {
			return classify(err, "save module %s", m.ID)
		}
		for ci, c := range m.Contents {
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO module_content (id, course_id, module_id, title, content_type, seq) VALUES ($1, $2, $3, $4, $5, $6)`,
				c.ID, o.CourseID, m.ID, c.Title, string(c.Type), ci); err != nil {
				return classify(err, "save content %s", c.ID)
			}
		}
	}
	return classify(tx.Commit(ctx), "commit outline %s", o.CourseID)
}
