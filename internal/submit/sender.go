package submit

import (
	"context"

	"github.com/getodk/collect-sub021/internal/changelock"
	"github.com/getodk/collect-sub021/internal/logging"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/repositories/forms"
	"github.com/getodk/collect-sub021/internal/repositories/instances"
)

// AutoSender sends every finalized instance whose form allows auto-send.
type AutoSender interface {
	// AutoSend returns false when the project's instances lock is held by
	// someone else, true once a pass has run.
	AutoSend(ctx context.Context, projectID string) bool
}

type autoSender struct {
	locks     *changelock.Provider
	instances instances.Repository
	forms     forms.Repository
	submitter InstanceSubmitter
	global    bool
	log       logging.Logger
}

// NewAutoSender builds an AutoSender. autoSend is the project-wide setting
// that forms without their own override fall back to.
func NewAutoSender(locks *changelock.Provider, instances instances.Repository, forms forms.Repository, submitter InstanceSubmitter, autoSend bool, log logging.Logger) AutoSender {
	if log == nil {
		log = logging.Nop()
	}
	return &autoSender{
		locks:     locks,
		instances: instances,
		forms:     forms,
		submitter: submitter,
		global:    autoSend,
		log:       log,
	}
}

func (a *autoSender) AutoSend(ctx context.Context, projectID string) bool {
	ran := false
	a.locks.InstancesLock(projectID).WithLock(func(acquired bool) {
		if !acquired {
			a.log.Debug(ctx, "auto-send skipped, lock held", "project", projectID)
			return
		}
		ran = true
		a.send(ctx, projectID)
	})
	return ran
}

func (a *autoSender) send(ctx context.Context, projectID string) {
	candidates, err := a.instances.GetAllByStatus(ctx, models.StatusComplete, models.StatusSubmissionFailed)
	if err != nil {
		a.log.Error(ctx, "list instances to auto-send", "error", err)
		return
	}

	var toSend []*models.Instance
	for _, inst := range candidates {
		ok, err := a.autoSendEnabled(ctx, inst)
		if err != nil {
			a.log.Error(ctx, "lookup form for auto-send", "instance_id", inst.DbID, "error", err)
			continue
		}
		if ok {
			toSend = append(toSend, inst)
		}
	}
	if len(toSend) == 0 {
		return
	}

	res, err := a.submitter.SubmitInstances(ctx, toSend)
	if err != nil {
		a.log.Error(ctx, "auto-send failed", "project", projectID, "error", err)
		return
	}
	a.log.Info(ctx, "auto-send finished", "project", projectID, "succeeded", res.Succeeded, "total", res.Total, "any_failure", res.AnyFailure)
}

func (a *autoSender) autoSendEnabled(ctx context.Context, inst *models.Instance) (bool, error) {
	form, err := a.forms.GetLatestByFormIDAndVersion(ctx, inst.FormID, inst.FormVersion)
	if err != nil {
		return false, err
	}
	if form == nil {
		return a.global, nil
	}
	return form.AutoSendEnabled(a.global), nil
}

// Sender is the manual "send selected" action.
type Sender interface {
	// Send submits the given instances, or every finalized one when ids is
	// empty. It fails with ErrBusy instead of waiting for the lock.
	Send(ctx context.Context, projectID string, ids []int64) (*Result, error)
}

type sender struct {
	locks     *changelock.Provider
	instances instances.Repository
	submitter InstanceSubmitter
}

func NewSender(locks *changelock.Provider, instances instances.Repository, submitter InstanceSubmitter) Sender {
	return &sender{locks: locks, instances: instances, submitter: submitter}
}

func (s *sender) Send(ctx context.Context, projectID string, ids []int64) (*Result, error) {
	var (
		res *Result
		err error
	)
	s.locks.InstancesLock(projectID).WithLock(func(acquired bool) {
		if !acquired {
			err = ErrBusy
			return
		}
		var list []*models.Instance
		list, err = s.load(ctx, ids)
		if err != nil {
			return
		}
		res, err = s.submitter.SubmitInstances(ctx, list)
	})
	return res, err
}

func (s *sender) load(ctx context.Context, ids []int64) ([]*models.Instance, error) {
	if len(ids) == 0 {
		return s.instances.GetAllByStatus(ctx, models.StatusComplete, models.StatusSubmissionFailed)
	}
	var list []*models.Instance
	for _, id := range ids {
		inst, err := s.instances.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst != nil && !inst.IsDeleted() {
			list = append(list, inst)
		}
	}
	return list, nil
}
