package forms

import (
	"context"

	"github.com/getodk/collect-sub021/internal/models"
)

// Repository describes storage operations for Form records.
type Repository interface {
	// Get returns the form with the given id, or nil.
	Get(ctx context.Context, id int64) (*models.Form, error)

	GetAll(ctx context.Context) ([]*models.Form, error)
	GetAllByFormID(ctx context.Context, formID string) ([]*models.Form, error)
	GetAllNotDeletedByFormIDAndVersion(ctx context.Context, formID, version string) ([]*models.Form, error)

	// GetLatestByFormIDAndVersion returns the most recently added matching
	// form, or nil.
	GetLatestByFormIDAndVersion(ctx context.Context, formID, version string) (*models.Form, error)

	// GetOneByMD5Hash returns the form whose definition file has the hash, or nil.
	GetOneByMD5Hash(ctx context.Context, hash string) (*models.Form, error)

	// Save inserts the form when DbID is zero and updates it otherwise.
	Save(ctx context.Context, form *models.Form) (*models.Form, error)

	// SoftDelete flags the form deleted. Its files stay until Delete.
	SoftDelete(ctx context.Context, id int64) error

	// Delete removes the row, the definition file and the media directory.
	Delete(ctx context.Context, id int64) error
}
