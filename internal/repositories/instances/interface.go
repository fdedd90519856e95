package instances

import (
	"context"

	"github.com/getodk/collect-sub021/internal/models"
)

// Repository describes storage operations for Instance records.
type Repository interface {
	// Get returns the instance with the given id, or nil if there is none.
	Get(ctx context.Context, id int64) (*models.Instance, error)

	// GetOneByPath returns the instance whose XML lives at path, or nil.
	GetOneByPath(ctx context.Context, path string) (*models.Instance, error)

	GetAll(ctx context.Context) ([]*models.Instance, error)
	GetAllNotDeleted(ctx context.Context) ([]*models.Instance, error)

	// GetAllByStatus returns non-deleted instances in any of the statuses.
	GetAllByStatus(ctx context.Context, statuses ...models.InstanceStatus) ([]*models.Instance, error)

	GetAllByFormID(ctx context.Context, formID string) ([]*models.Instance, error)
	GetAllNotDeletedByFormIDAndVersion(ctx context.Context, formID, version string) ([]*models.Instance, error)

	// Save inserts the instance when DbID is zero and updates it otherwise.
	// The returned copy carries the assigned id and the new status date.
	Save(ctx context.Context, instance *models.Instance) (*models.Instance, error)

	// Delete removes the row and the instance directory.
	Delete(ctx context.Context, id int64) error

	// DeleteWithLogging removes the instance files but keeps the row, with
	// deleted_date set and geometry cleared.
	DeleteWithLogging(ctx context.Context, id int64) error

	DeleteAll(ctx context.Context) error
}
