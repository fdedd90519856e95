package savepoints

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/getodk/collect-sub021/internal/dbx"
	"github.com/getodk/collect-sub021/internal/models"
)

const columns = `form_db_id, instance_db_id, savepoint_file_path, instance_dir_path`

// matchPair compares the nullable instance id the same way the unique index does.
const matchPair = `form_db_id = ? AND IFNULL(instance_db_id, -1) = IFNULL(?, -1)`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Get(ctx context.Context, formDbID int64, instanceDbID *int64) (*models.Savepoint, error) {
	var sp models.Savepoint
	err := r.db.GetContext(ctx, &sp, `SELECT `+columns+` FROM savepoints WHERE `+matchPair, formDbID, instanceDbID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get savepoint: %w", err)
	}
	return &sp, nil
}

func (r *SQLiteRepository) GetAll(ctx context.Context) ([]*models.Savepoint, error) {
	var rows []*models.Savepoint
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+columns+` FROM savepoints`); err != nil {
		return nil, fmt.Errorf("failed to list savepoints: %w", err)
	}
	return rows, nil
}

func (r *SQLiteRepository) Save(ctx context.Context, sp *models.Savepoint) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM savepoints WHERE `+matchPair, sp.FormDbID, sp.InstanceDbID); err != nil {
		return fmt.Errorf("failed to replace savepoint: %w", err)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO savepoints (form_db_id, instance_db_id, savepoint_file_path, instance_dir_path)
		VALUES (?, ?, ?, ?)`, sp.FormDbID, sp.InstanceDbID, sp.SavepointFilePath, sp.InstanceDirPath)
	if err != nil {
		return fmt.Errorf("failed to insert savepoint: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, formDbID int64, instanceDbID *int64) error {
	sp, err := r.Get(ctx, formDbID, instanceDbID)
	if err != nil {
		return err
	}
	if sp == nil {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM savepoints WHERE `+matchPair, formDbID, instanceDbID); err != nil {
		return fmt.Errorf("failed to delete savepoint: %w", err)
	}
	if err := os.Remove(sp.SavepointFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove savepoint file: %w", err)
	}
	return nil
}
