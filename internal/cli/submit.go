package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/getodk/collect-sub021/internal/submit"
	"github.com/spf13/cobra"
)

var errSubmissionFailed = errors.New("one or more submissions failed")

func newSubmitCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "submit [instance-id...]",
		Short: "Send finalized instances, all of them when no id is given",
		RunE:  r.run((*App).submit),
	}
}

func newAutoSendCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "autosend",
		Short: "Run one auto-send pass honoring per-form settings",
		Args:  cobra.NoArgs,
		RunE:  r.run((*App).autoSend),
	}
}

func (a *App) submit(ctx context.Context, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, s := range args {
		id, err := parseID(s)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	res, err := a.sender.Send(ctx, a.cfg.ProjectID, ids)
	if submit.IsKind(err, submit.NothingToSubmit) {
		a.printf("nothing to submit\n")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, res.Summary)
	if res.AnyFailure {
		return errSubmissionFailed
	}
	return nil
}

func (a *App) autoSend(ctx context.Context, _ []string) error {
	if !a.autoSender.AutoSend(ctx, a.cfg.ProjectID) {
		return submit.ErrBusy
	}
	return nil
}
