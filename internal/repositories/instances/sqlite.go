package instances

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getodk/collect-sub021/internal/dbx"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/jmoiron/sqlx"
)

const columns = `id, form_id, form_version, instance_file_path, display_name, status,
	last_status_change_date, deleted_date, geometry_type, geometry, submission_uri,
	can_edit_when_complete`

type SQLiteRepository struct {
	db           dbx.DBTX
	instancesDir string
	now          func() time.Time
}

func NewSQLiteRepository(db dbx.DBTX, instancesDir string) *SQLiteRepository {
	return &SQLiteRepository{db: db, instancesDir: instancesDir, now: time.Now}
}

// WithClock replaces the clock used to stamp status changes and deletions.
func (r *SQLiteRepository) WithClock(now func() time.Time) *SQLiteRepository {
	r.now = now
	return r
}

func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*models.Instance, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM instances WHERE id = ?`, id)
}

func (r *SQLiteRepository) GetOneByPath(ctx context.Context, path string) (*models.Instance, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM instances WHERE instance_file_path = ?`, r.relative(path))
}

func (r *SQLiteRepository) GetAll(ctx context.Context) ([]*models.Instance, error) {
	return r.selectMany(ctx, `SELECT `+columns+` FROM instances ORDER BY id`)
}

func (r *SQLiteRepository) GetAllNotDeleted(ctx context.Context) ([]*models.Instance, error) {
	return r.selectMany(ctx, `SELECT `+columns+` FROM instances WHERE deleted_date IS NULL ORDER BY id`)
}

func (r *SQLiteRepository) GetAllByStatus(ctx context.Context, statuses ...models.InstanceStatus) ([]*models.Instance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+columns+` FROM instances
		WHERE deleted_date IS NULL AND status IN (?) ORDER BY id`, statuses)
	if err != nil {
		return nil, fmt.Errorf("build status query: %w", err)
	}
	return r.selectMany(ctx, query, args...)
}

func (r *SQLiteRepository) GetAllByFormID(ctx context.Context, formID string) ([]*models.Instance, error) {
	return r.selectMany(ctx, `SELECT `+columns+` FROM instances WHERE form_id = ? ORDER BY id`, formID)
}

func (r *SQLiteRepository) GetAllNotDeletedByFormIDAndVersion(ctx context.Context, formID, version string) ([]*models.Instance, error) {
	return r.selectMany(ctx, `SELECT `+columns+` FROM instances
		WHERE form_id = ? AND form_version = ? AND deleted_date IS NULL ORDER BY id`, formID, version)
}

func (r *SQLiteRepository) Save(ctx context.Context, in *models.Instance) (*models.Instance, error) {
	if in == nil {
		return nil, errors.New("save instance: nil instance")
	}

	out := in.Copy()
	out.LastStatusChangeDate = r.now().UTC()

	if out.DbID == 0 {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO instances (form_id, form_version, instance_file_path, display_name, status,
				last_status_change_date, deleted_date, geometry_type, geometry, submission_uri,
				can_edit_when_complete)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			out.FormID, out.FormVersion, r.relative(out.InstanceFilePath), out.DisplayName, out.Status,
			out.LastStatusChangeDate, out.DeletedDate, out.GeometryType, out.Geometry, out.SubmissionURI,
			out.CanEditWhenComplete)
		if err != nil {
			return nil, fmt.Errorf("failed to insert instance: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get instance id: %w", err)
		}
		out.DbID = id
		return out, nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE instances SET form_id = ?, form_version = ?, instance_file_path = ?, display_name = ?,
			status = ?, last_status_change_date = ?, deleted_date = ?, geometry_type = ?, geometry = ?,
			submission_uri = ?, can_edit_when_complete = ?
		WHERE id = ?`,
		out.FormID, out.FormVersion, r.relative(out.InstanceFilePath), out.DisplayName,
		out.Status, out.LastStatusChangeDate, out.DeletedDate, out.GeometryType, out.Geometry,
		out.SubmissionURI, out.CanEditWhenComplete, out.DbID)
	if err != nil {
		return nil, fmt.Errorf("failed to update instance %d: %w", out.DbID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return nil, fmt.Errorf("update instance %d: %w", out.DbID, sql.ErrNoRows)
	}
	return out, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	inst, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete instance %d: %w", id, err)
	}
	return r.removeFiles(inst)
}

func (r *SQLiteRepository) DeleteWithLogging(ctx context.Context, id int64) error {
	inst, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE instances SET deleted_date = ?, geometry_type = NULL, geometry = NULL
		WHERE id = ?`, r.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete instance %d: %w", id, err)
	}
	return r.removeFiles(inst)
}

func (r *SQLiteRepository) DeleteAll(ctx context.Context) error {
	all, err := r.GetAll(ctx)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM instances`); err != nil {
		return fmt.Errorf("failed to delete instances: %w", err)
	}
	for _, inst := range all {
		if err := r.removeFiles(inst); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLiteRepository) getOne(ctx context.Context, query string, args ...any) (*models.Instance, error) {
	var inst models.Instance
	err := r.db.GetContext(ctx, &inst, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	inst.InstanceFilePath = r.absolute(inst.InstanceFilePath)
	return &inst, nil
}

func (r *SQLiteRepository) selectMany(ctx context.Context, query string, args ...any) ([]*models.Instance, error) {
	var rows []*models.Instance
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select instances: %w", err)
	}
	for _, inst := range rows {
		inst.InstanceFilePath = r.absolute(inst.InstanceFilePath)
	}
	return rows, nil
}

// removeFiles deletes the instance directory. Paths outside the instances
// directory only lose the XML file itself.
func (r *SQLiteRepository) removeFiles(inst *models.Instance) error {
	if inst.InstanceFilePath == "" {
		return nil
	}
	target := inst.InstanceFilePath
	if r.instancesDir != "" && r.inside(inst.Dir()) {
		target = inst.Dir()
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to remove instance files %s: %w", target, err)
	}
	return nil
}

func (r *SQLiteRepository) inside(path string) bool {
	rel, err := filepath.Rel(r.instancesDir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (r *SQLiteRepository) relative(path string) string {
	if r.instancesDir == "" || !filepath.IsAbs(path) || !r.inside(path) {
		return path
	}
	rel, _ := filepath.Rel(r.instancesDir, path)
	return filepath.ToSlash(rel)
}

func (r *SQLiteRepository) absolute(path string) string {
	if r.instancesDir == "" || path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.instancesDir, filepath.FromSlash(path))
}
