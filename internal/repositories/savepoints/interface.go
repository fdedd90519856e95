package savepoints

import (
	"context"

	"github.com/getodk/collect-sub021/internal/models"
)

// Repository describes storage operations for savepoint records.
type Repository interface {
	// Get returns the savepoint for the pair, or nil.
	Get(ctx context.Context, formDbID int64, instanceDbID *int64) (*models.Savepoint, error)

	GetAll(ctx context.Context) ([]*models.Savepoint, error)

	// Save records the savepoint, replacing any previous one for the pair.
	Save(ctx context.Context, sp *models.Savepoint) error

	// Delete removes the record and the savepoint file.
	Delete(ctx context.Context, formDbID int64, instanceDbID *int64) error
}
