package cli

import (
	"context"
	"errors"
	"io"

	"github.com/getodk/collect-sub021/internal/config"
	"github.com/getodk/collect-sub021/internal/logging"
	"github.com/spf13/cobra"
)

// newAppFunc builds the App for a command; tests replace it.
var newAppFunc = NewApp

type runner struct {
	in       io.Reader
	out, err io.Writer
	app      *App
}

// NewRootCommand returns the collect command tree reading from in and
// writing command output to out and logs to errOut.
func NewRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	r := &runner{in: in, out: out, err: errOut}

	root := &cobra.Command{
		Use:           "collect",
		Short:         "Fill in, save and submit ODK forms",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return r.open(cmd)
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newFormsCommand(r),
		newInstancesCommand(r),
		newSubmitCommand(r),
		newAutoSendCommand(r),
		newDaemonCommand(r),
	)
	return root
}

func (r *runner) open(cmd *cobra.Command) error {
	fs := cmd.Flags()
	path, err := fs.GetString("config")
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(path, fs)
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}, r.err)
	if err != nil {
		return err
	}
	if err := promptMissingPassword(cfg, r.err); err != nil {
		return err
	}

	app, err := newAppFunc(cmd.Context(), cfg, log, r.out, r.in)
	if err != nil {
		return err
	}
	r.app = app
	return nil
}

func (r *runner) close() error {
	if r.app == nil {
		return nil
	}
	err := r.app.Close()
	r.app = nil
	return err
}

// run adapts an App method to a cobra RunE. The App is closed when fn
// returns, whatever the outcome.
func (r *runner) run(fn func(a *App, ctx context.Context, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if r.app == nil {
			return errors.New("application not initialized")
		}
		err := fn(r.app, cmd.Context(), args)
		return errors.Join(err, r.close())
	}
}
