package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/getodk/collect-sub021/internal/formsession"
	"github.com/getodk/collect-sub021/internal/submit"
	"github.com/spf13/cobra"
)

func newInstancesCommand(r *runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"inst"},
		Short:   "Fill in, save and manage form instances",
	}

	var newOpts saveOptions
	newCmd := &cobra.Command{
		Use:   "new <form-db-id>",
		Short: "Start a new instance of a downloaded form and save it",
		Args:  cobra.ExactArgs(1),
		RunE: r.run(func(a *App, ctx context.Context, args []string) error {
			return a.newInstance(ctx, args[0], newOpts)
		}),
	}
	addSaveFlags(newCmd, &newOpts)

	var editOpts saveOptions
	editCmd := &cobra.Command{
		Use:   "edit <instance-id>",
		Short: "Change answers of a saved instance",
		Args:  cobra.ExactArgs(1),
		RunE: r.run(func(a *App, ctx context.Context, args []string) error {
			return a.editInstance(ctx, args[0], editOpts)
		}),
	}
	addSaveFlags(editCmd, &editOpts)
	editCmd.Flags().StringVar(&editOpts.reason, "reason", "", "reason for changing a finalized instance")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved instances",
			Args:  cobra.NoArgs,
			RunE:  r.run((*App).listInstances),
		},
		newCmd,
		editCmd,
		&cobra.Command{
			Use:   "delete <instance-id>",
			Short: "Delete an instance",
			Args:  cobra.ExactArgs(1),
			RunE:  r.run((*App).deleteInstance),
		},
		&cobra.Command{
			Use:   "scan",
			Short: "Register instance files found on disk",
			Args:  cobra.NoArgs,
			RunE:  r.run((*App).scanInstances),
		},
	)
	return cmd
}

func addSaveFlags(cmd *cobra.Command, opts *saveOptions) {
	fs := cmd.Flags()
	fs.StringArrayVar(&opts.answers, "set", nil, "answer as /data/path=value, repeatable")
	fs.BoolVar(&opts.finalize, "finalize", false, "validate and mark the instance complete")
	fs.StringVar(&opts.name, "name", "", "instance display name")
}

func (a *App) listInstances(ctx context.Context, _ []string) error {
	list, err := a.instances.GetAllNotDeleted(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFORM\tSTATUS\tNAME\tCHANGED")
	for _, inst := range list {
		form := inst.FormID
		if inst.FormVersion != "" {
			form += " v" + inst.FormVersion
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", inst.DbID, form, inst.Status, inst.DisplayName, inst.LastStatusChangeDate.Format(time.DateTime))
	}
	return tw.Flush()
}

func (a *App) newInstance(ctx context.Context, formArg string, opts saveOptions) error {
	id, err := parseID(formArg)
	if err != nil {
		return err
	}
	form, err := a.forms.Get(ctx, id)
	if err != nil {
		return err
	}
	if form == nil || form.Deleted {
		return fmt.Errorf("form %d not found", id)
	}

	sess, err := formsession.New(form, a.cfg.InstancesDir(), a.now(), a.cfg.RequireChangeReason)
	if err != nil {
		return err
	}
	inst, err := a.save(ctx, form, sess, 0, opts)
	if err != nil {
		return err
	}
	a.printf("saved instance %d of %s (%s)\n", inst.DbID, formLabel(form), inst.Status)
	return nil
}

func (a *App) editInstance(ctx context.Context, instArg string, opts saveOptions) error {
	id, err := parseID(instArg)
	if err != nil {
		return err
	}
	inst, err := a.instances.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil || inst.IsDeleted() {
		return fmt.Errorf("instance %d not found", id)
	}
	form, err := a.forms.GetLatestByFormIDAndVersion(ctx, inst.FormID, inst.FormVersion)
	if err != nil {
		return err
	}
	if form == nil {
		return fmt.Errorf("form %s for instance %d is not downloaded", inst.FormID, id)
	}

	sess, err := formsession.Open(form, inst, a.cfg.RequireChangeReason)
	if err != nil {
		return err
	}
	saved, err := a.save(ctx, form, sess, inst.DbID, opts)
	if err != nil {
		return err
	}
	a.printf("saved instance %d (%s)\n", saved.DbID, saved.Status)
	return nil
}

func (a *App) deleteInstance(ctx context.Context, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	err = submit.ErrBusy
	a.locks.InstancesLock(a.cfg.ProjectID).WithLock(func(acquired bool) {
		if acquired {
			err = a.deleter.Delete(ctx, id)
		}
	})
	if err != nil {
		return err
	}
	a.printf("instance %d deleted\n", id)
	return nil
}

func (a *App) scanInstances(ctx context.Context, _ []string) error {
	n, err := a.syncer.Sync(ctx)
	if err != nil {
		return err
	}
	a.printf("%d instance(s) added\n", n)
	return nil
}
