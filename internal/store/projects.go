package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/taskforge/coordinator/internal/coordfault"
	"github.com/taskforge/coordinator/internal/tasks"
)

// CreateProject inserts a new project with a unique name. Duplicate
// names classify as coordfault.Validation (spec.md §6: "duplicate name
// -> conflict").
func (s *Store) CreateProject(ctx context.Context, p *tasks.Project) (*tasks.Project, error) {
	now := time.Now().UTC()
	p.Status = tasks.ProjectActive
	p.CreatedAt = now
	p.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO projects (name, description, external_channel, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, p.Name, p.Description, p.ExternalChannel, p.Status, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return classifyErr(err, "create project")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return classifyErr(err, "create project: last insert id")
		}
		p.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetProject fetches a project by id, excluding soft-deleted rows.
func (s *Store) GetProject(ctx context.Context, id int64) (*tasks.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, external_channel, status, created_at, updated_at, deleted_at
		FROM projects WHERE id = ? AND deleted_at IS NULL
	`, id)
	return scanProject(row)
}

// ListProjects returns all non-deleted projects.
func (s *Store) ListProjects(ctx context.Context) ([]*tasks.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, external_channel, status, created_at, updated_at, deleted_at
		FROM projects WHERE deleted_at IS NULL ORDER BY created_at
	`)
	if err != nil {
		return nil, classifyErr(err, "list projects")
	}
	defer rows.Close()

	var out []*tasks.Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, classifyErr(err, "scan project")
		}
		out = append(out, p)
	}
	return out, nil
}

// SoftDeleteProject marks a project deleted; it is physically removed
// later by the control loop's soft-delete compaction sweep.
func (s *Store) SoftDeleteProject(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE projects SET deleted_at = ?, status = ?, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL
		`, time.Now().UTC(), tasks.ProjectCancelled, time.Now().UTC(), id)
		if err != nil {
			return classifyErr(err, "soft delete project")
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return coordfault.New(coordfault.NotFound, "project %d not found", id)
		}
		return nil
	})
}

// CompactDeletedProjects physically removes projects soft-deleted
// before cutoff and their orphaned tasks, in bounded batches so the
// sweep never holds a long lock (spec.md §3 "(new) Soft delete").
func (s *Store) CompactDeletedProjects(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	removed := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT id FROM projects WHERE deleted_at IS NOT NULL AND deleted_at < ? LIMIT ?
		`, cutoff, batchSize)
		if err != nil {
			return classifyErr(err, "compact: select deleted projects")
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return classifyErr(err, "compact: scan project id")
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.Exec(`DELETE FROM task_logs WHERE task_id IN (SELECT id FROM tasks WHERE project_id = ?)`, id); err != nil {
				return classifyErr(err, "compact: delete task logs")
			}
			if _, err := tx.Exec(`DELETE FROM task_dependencies WHERE task_id IN (SELECT id FROM tasks WHERE project_id = ?)`, id); err != nil {
				return classifyErr(err, "compact: delete task deps")
			}
			if _, err := tx.Exec(`DELETE FROM tasks WHERE project_id = ?`, id); err != nil {
				return classifyErr(err, "compact: delete tasks")
			}
			if _, err := tx.Exec(`DELETE FROM projects WHERE id = ?`, id); err != nil {
				return classifyErr(err, "compact: delete project")
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func scanProject(row *sql.Row) (*tasks.Project, error) {
	var p tasks.Project
	var deletedAt sql.NullTime
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.ExternalChannel, &p.Status, &p.CreatedAt, &p.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, classifyErr(err, "get project")
	}
	if deletedAt.Valid {
		p.DeletedAt = &deletedAt.Time
	}
	return &p, nil
}

func scanProjectRows(rows *sql.Rows) (*tasks.Project, error) {
	var p tasks.Project
	var deletedAt sql.NullTime
	err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.ExternalChannel, &p.Status, &p.CreatedAt, &p.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		p.DeletedAt = &deletedAt.Time
	}
	return &p, nil
}
