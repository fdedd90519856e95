package instances

import (
	"context"
	"fmt"

	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/repositories/forms"
)

// Deleter removes instances according to their status and purges form
// definitions that were waiting for their last instance to go.
type Deleter struct {
	instances Repository
	forms     forms.Repository
}

func NewDeleter(instances Repository, forms forms.Repository) *Deleter {
	return &Deleter{instances: instances, forms: forms}
}

// Delete soft-deletes a submitted instance and hard-deletes anything else.
// Unknown ids are ignored.
func (d *Deleter) Delete(ctx context.Context, id int64) error {
	inst, err := d.instances.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}

	if inst.Status == models.StatusSubmitted {
		err = d.instances.DeleteWithLogging(ctx, id)
	} else {
		err = d.instances.Delete(ctx, id)
	}
	if err != nil {
		return err
	}

	return d.purgeForm(ctx, inst.FormID, inst.FormVersion)
}

func (d *Deleter) purgeForm(ctx context.Context, formID, version string) error {
	form, err := d.forms.GetLatestByFormIDAndVersion(ctx, formID, version)
	if err != nil {
		return err
	}
	if form == nil || !form.Deleted {
		return nil
	}

	remaining, err := d.instances.GetAllNotDeletedByFormIDAndVersion(ctx, formID, version)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}

	if err := d.forms.Delete(ctx, form.DbID); err != nil {
		return fmt.Errorf("purge form %s: %w", formID, err)
	}
	return nil
}
