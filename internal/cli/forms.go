package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"text/tabwriter"

	"github.com/getodk/collect-sub021/internal/dbx"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/repositories/forms"
	"github.com/getodk/collect-sub021/internal/repositories/instances"
	"github.com/spf13/cobra"
)

func newFormsCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forms",
		Short: "Discover, download and manage form definitions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List the forms offered by the server",
			Args:  cobra.NoArgs,
			RunE:  r.run((*App).listServerForms),
		},
		&cobra.Command{
			Use:   "download [formID...]",
			Short: "Download forms and their media, all of them when no id is given",
			RunE:  r.run((*App).downloadForms),
		},
		&cobra.Command{
			Use:   "local",
			Short: "List downloaded forms",
			Args:  cobra.NoArgs,
			RunE:  r.run((*App).listLocalForms),
		},
		&cobra.Command{
			Use:   "delete <form-db-id>",
			Short: "Delete a downloaded form",
			Args:  cobra.ExactArgs(1),
			RunE:  r.run((*App).deleteForm),
		},
	)
	return cmd
}

func (a *App) listServerForms(ctx context.Context, _ []string) error {
	items, err := a.source.FetchFormList(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FORM ID\tVERSION\tNAME\tHASH")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.FormID, it.Version, it.Name, it.Hash)
	}
	return tw.Flush()
}

func (a *App) downloadForms(ctx context.Context, ids []string) error {
	items, err := a.source.FetchFormList(ctx)
	if err != nil {
		return err
	}

	var errs []error
	found := 0
	for _, it := range items {
		if len(ids) > 0 && !slices.Contains(ids, it.FormID) {
			continue
		}
		found++
		form, err := a.downloader.Download(ctx, it)
		if err != nil {
			a.printf("%s: failed: %v\n", it.FormID, err)
			errs = append(errs, fmt.Errorf("%s: %w", it.FormID, err))
			continue
		}
		a.printf("%s: %s (db id %d)\n", it.FormID, form.DisplayName, form.DbID)
	}
	if found == 0 {
		return errors.New("no matching forms on the server")
	}
	return errors.Join(errs...)
}

func (a *App) listLocalForms(ctx context.Context, _ []string) error {
	list, err := a.forms.GetAll(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DB ID\tFORM ID\tVERSION\tNAME\tENCRYPTED\tDELETED")
	for _, f := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%t\n", f.DbID, f.FormID, f.Version, f.DisplayName, f.IsEncrypted(), f.Deleted)
	}
	return tw.Flush()
}

// deleteForm soft-deletes a form that still has instances so they stay
// submittable; the Deleter purges it once the last one goes.
func (a *App) deleteForm(ctx context.Context, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	var msg string
	err = dbx.WithTx(ctx, a.db, func(ctx context.Context, tx dbx.DBTX) error {
		formsRepo := forms.NewSQLiteRepository(tx, a.cfg.FormsDir())
		form, err := formsRepo.Get(ctx, id)
		if err != nil {
			return err
		}
		if form == nil {
			return fmt.Errorf("form %d not found", id)
		}

		remaining, err := instances.NewSQLiteRepository(tx, a.cfg.InstancesDir()).
			GetAllNotDeletedByFormIDAndVersion(ctx, form.FormID, form.Version)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			msg = fmt.Sprintf("form %d hidden, %d instance(s) remain", id, len(remaining))
			return formsRepo.SoftDelete(ctx, id)
		}
		msg = fmt.Sprintf("form %d deleted", id)
		return formsRepo.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, msg)
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func formLabel(f *models.Form) string {
	if f.Version == "" {
		return f.FormID
	}
	return f.FormID + " v" + f.Version
}
