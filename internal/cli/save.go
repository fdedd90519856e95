package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/getodk/collect-sub021/internal/formsave"
	"github.com/getodk/collect-sub021/internal/formsession"
	"github.com/getodk/collect-sub021/internal/models"
)

var errChangeReasonRequired = errors.New("a reason is required to change a finalized form")

// saveOptions are the answers and save flags shared by instances new and
// instances edit.
type saveOptions struct {
	answers  []string
	finalize bool
	name     string
	reason   string
}

func applyAnswers(sess *formsession.Session, answers []string) error {
	for _, kv := range answers {
		path, value, ok := strings.Cut(kv, "=")
		if !ok || path == "" {
			return fmt.Errorf("invalid answer %q, want path=value", kv)
		}
		if err := sess.SetAnswer(path, value); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) newEngine(form *models.Form, sess *formsession.Session, results chan<- formsave.Result) *formsave.Engine {
	return formsave.New(formsave.Params{
		ProjectID:     a.cfg.ProjectID,
		Form:          form,
		Controller:    sess,
		Instances:     a.instances,
		Savepoints:    a.savepoints,
		Scheduler:     a.sched,
		InstancesData: a.data,
		CacheDir:      a.cfg.CacheDir(),
		Logger:        a.log,
		Metrics:       a.metrics,
		Listener: func(res formsave.Result) {
			results <- res
		},
		Now: a.now,
	})
}

// save applies opts to sess and drives one save to a terminal state. A
// change reason is taken from opts or prompted for on a.in.
func (a *App) save(ctx context.Context, form *models.Form, sess *formsession.Session, instanceDbID int64, opts saveOptions) (*models.Instance, error) {
	if err := applyAnswers(sess, opts.answers); err != nil {
		return nil, err
	}
	name := opts.name
	if name == "" {
		name = sess.DisplayName()
	}

	results := make(chan formsave.Result, 16)
	engine := a.newEngine(form, sess, results)
	req := formsave.Request{
		InstanceDbID:   instanceDbID,
		ShouldFinalize: opts.finalize,
		NewDisplayName: name,
		IsExitingView:  true,
	}
	if !engine.SaveForm(ctx, req) {
		return nil, errors.New("a save is already in progress")
	}

	for {
		var res formsave.Result
		select {
		case <-ctx.Done():
			engine.Cancel()
			return nil, ctx.Err()
		case res = <-results:
		}

		switch {
		case res.State == formsave.StateChangeReasonRequired:
			reason := opts.reason
			if reason == "" {
				var err error
				reason, err = GetSimpleText(a.in, "This form was finalized. Why are you changing it?", a.out)
				if err != nil {
					return nil, errChangeReasonRequired
				}
			}
			if !engine.ResumeSave(ctx, reason) {
				return nil, errChangeReasonRequired
			}
		case res.State == formsave.StateSaved:
			return res.Instance, nil
		case res.State.Terminal():
			return nil, fmt.Errorf("%s: %s", res.State, res.Message)
		}
	}
}
