package forms

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
)

const columns = `id, form_id, version, display_name, form_file_path, form_media_path,
	submission_uri, base64_rsa_public_key, auto_send, auto_delete, geometry_xpath,
	md5_hash, date, deleted`

type SQLiteRepository struct {
	db       dbx.DBTX
	formsDir string
	now      func() time.Time
}

func NewSQLiteRepository(db dbx.DBTX, formsDir string) *SQLiteRepository {
	return &SQLiteRepository{db: db, formsDir: formsDir, now: time.Now}
}

// WithClock replaces the clock used to stamp new forms.
func (r *SQLiteRepository) WithClock(now func() time.Time) *SQLiteRepository {
	r.now = now
	return r
}

func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*models.Form, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM forms WHERE id = ?`, id)
}

func (r *SQLiteRepository) GetAll(ctx context.Context) ([]*models.Form, error) {
	return r.selectMany(ctx, `SELECT `+columns+` FROM forms ORDER BY id`)
}

func (r *SQLiteRepository) GetAllByFormID(ctx context.Context, formID string) ([]*models.Form, error) {
	return r.selectMany(ctx, `SELECT `+columns+` FROM forms WHERE form_id = ? ORDER BY id`, formID)
}

func (r *SQLiteRepository) GetAllNotDeletedByFormIDAndVersion(ctx context.Context, formID, version string) ([]*models.Form, error) {
	return r.selectMany(ctx, `SELECT `+columns+` FROM forms
		WHERE form_id = ? AND version = ? AND deleted = 0 ORDER BY id`, formID, version)
}

func (r *SQLiteRepository) GetLatestByFormIDAndVersion(ctx context.Context, formID, version string) (*models.Form, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM forms
		WHERE form_id = ? AND version = ? ORDER BY date DESC, id DESC LIMIT 1`, formID, version)
}

func (r *SQLiteRepository) GetOneByMD5Hash(ctx context.Context, hash string) (*models.Form, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM forms WHERE md5_hash = ? ORDER BY id DESC LIMIT 1`, hash)
}

func (r *SQLiteRepository) Save(ctx context.Context, in *models.Form) (*models.Form, error) {
	if in == nil {
		return nil, errors.New("save form: nil form")
	}
	out := *in
	if out.Date.IsZero() {
		out.Date = r.now().UTC()
	}

	if out.DbID == 0 {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO forms (form_id, version, display_name, form_file_path, form_media_path,
				submission_uri, base64_rsa_public_key, auto_send, auto_delete, geometry_xpath,
				md5_hash, date, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			out.FormID, out.Version, out.DisplayName, r.relative(out.FormFilePath), r.relative(out.FormMediaPath),
			out.SubmissionURI, out.BASE64RSAPublicKey, out.AutoSend, out.AutoDelete, out.GeometryXPath,
			out.MD5Hash, out.Date, out.Deleted)
		if err != nil {
			return nil, fmt.Errorf("failed to insert form: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get form id: %w", err)
		}
		out.DbID = id
		return &out, nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE forms SET form_id = ?, version = ?, display_name = ?, form_file_path = ?,
			form_media_path = ?, submission_uri = ?, base64_rsa_public_key = ?, auto_send = ?,
			auto_delete = ?, geometry_xpath = ?, md5_hash = ?, date = ?, deleted = ?
		WHERE id = ?`,
		out.FormID, out.Version, out.DisplayName, r.relative(out.FormFilePath),
		r.relative(out.FormMediaPath), out.SubmissionURI, out.BASE64RSAPublicKey, out.AutoSend,
		out.AutoDelete, out.GeometryXPath, out.MD5Hash, out.Date, out.Deleted, out.DbID)
	if err != nil {
		return nil, fmt.Errorf("failed to update form %d: %w", out.DbID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return nil, fmt.Errorf("update form %d: %w", out.DbID, sql.ErrNoRows)
	}
	return &out, nil
}

func (r *SQLiteRepository) SoftDelete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE forms SET deleted = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to soft-delete form %d: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	form, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if form == nil {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM forms WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete form %d: %w", id, err)
	}

	for _, p := range []string{form.FormFilePath, form.FormMediaPath} {
		if p == "" {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("failed to remove form files %s: %w", p, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) getOne(ctx context.Context, query string, args ...any) (*models.Form, error) {
	var f models.Form
	err := r.db.GetContext(ctx, &f, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get form: %w", err)
	}
	r.absolutize(&f)
	return &f, nil
}

func (r *SQLiteRepository) selectMany(ctx context.Context, query string, args ...any) ([]*models.Form, error) {
	var rows []*models.Form
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select forms: %w", err)
	}
	for _, f := range rows {
		r.absolutize(f)
	}
	return rows, nil
}

func (r *SQLiteRepository) absolutize(f *models.Form) {
	f.FormFilePath = r.absolute(f.FormFilePath)
	f.FormMediaPath = r.absolute(f.FormMediaPath)
}

func (r *SQLiteRepository) relative(path string) string {
	if r.formsDir == "" || !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(r.formsDir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}

func (r *SQLiteRepository) absolute(path string) string {
	if r.formsDir == "" || path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.formsDir, filepath.FromSlash(path))
}
