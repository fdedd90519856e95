package formsave

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/getodk/collect-sub021/internal/filex"
	"github.com/getodk/collect-sub021/internal/logging"
	"github.com/getodk/collect-sub021/internal/metrics"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/repositories/instances"
	"github.com/getodk/collect-sub021/internal/repositories/savepoints"
	"github.com/getodk/collect-sub021/internal/scheduler"
)

// Params wires an Engine. Recorder, InstancesData, Metrics and Listener are
// optional.
type Params struct {
	ProjectID  string
	Form       *models.Form
	Controller FormController
	Instances  instances.Repository
	Savepoints savepoints.Repository
	Scheduler  scheduler.Scheduler

	Recorder      AudioRecorder
	InstancesData InstancesDataService

	// CacheDir receives savepoint files.
	CacheDir string

	Logger   logging.Logger
	Metrics  *metrics.Metrics
	Listener func(Result)
	Now      func() time.Time
}

// Engine drives one form session through a save. At most one save runs at
// a time; every accepted request ends in exactly one terminal Result unless
// it is superseded while waiting for a change reason.
type Engine struct {
	p      Params
	writer *writer
	log    logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	state   State
	request Request
	ctx     context.Context
	// gen identifies the current request; doneGen is the last request that
	// reached a terminal state.
	gen     uint64
	doneGen uint64
	// commitGen is the last request whose disk write has begun.
	commitGen uint64
	inFlight  bool
	task      scheduler.Task
	last      *Result
}

func New(p Params) *Engine {
	log := p.Logger
	if log == nil {
		log = logging.Nop()
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		p:      p,
		writer: &writer{ctrl: p.Controller, form: p.Form, instances: p.Instances},
		log:    log.With("component", "formsave", "form_id", p.Controller.FormID()),
		now:    now,
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastResult returns the most recent result, if any.
func (e *Engine) LastResult() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Result{}, false
	}
	return *e.last, true
}

// SaveForm starts a save. It returns false and does nothing while a save is
// waiting or in progress.
func (e *Engine) SaveForm(ctx context.Context, req Request) bool {
	e.mu.Lock()
	if e.inFlight {
		state := e.state
		e.mu.Unlock()
		e.log.Debug(ctx, "save ignored, another save in flight", "state", state.String())
		return false
	}
	e.inFlight = true
	e.gen++
	gen := e.gen
	e.request = req
	e.ctx = ctx
	e.mu.Unlock()

	audit := e.p.Controller.AuditEventLogger()
	if audit != nil {
		if err := audit.Flush(ctx); err != nil {
			e.log.Warn(ctx, "flush audit log", "error", err)
		}
		if audit.IsChangeReasonRequired() {
			e.mu.Lock()
			if gen == e.gen {
				e.inFlight = false
			}
			e.mu.Unlock()
			e.transition(gen, Result{State: StateChangeReasonRequired, Request: req})
			return true
		}
	}

	e.proceed(ctx, gen, req)
	return true
}

// ResumeSave continues a save suspended for a change reason. A blank reason
// leaves the engine suspended and returns false.
func (e *Engine) ResumeSave(ctx context.Context, reason string) bool {
	reason = strings.TrimSpace(reason)

	e.mu.Lock()
	if e.inFlight || e.state != StateChangeReasonRequired || reason == "" {
		e.mu.Unlock()
		return false
	}
	e.inFlight = true
	gen, req := e.gen, e.request
	e.ctx = ctx
	e.mu.Unlock()

	if audit := e.p.Controller.AuditEventLogger(); audit != nil {
		audit.LogEvent(AuditChangeReason, reason, e.now())
	}
	e.proceed(ctx, gen, req)
	return true
}

// proceed stops a background recording first when leaving the form,
// otherwise it goes straight to the disk write.
func (e *Engine) proceed(ctx context.Context, gen uint64, req Request) {
	if req.IsExitingView && e.p.Recorder != nil && e.p.Recorder.IsRecording() {
		if !e.transition(gen, Result{State: StateWaitingToSave, Request: req}) {
			return
		}
		e.p.Recorder.Stop(func(path string, err error) {
			e.recordingStopped(gen, path, err)
		})
		return
	}
	e.startWrite(ctx, gen, req)
}

// RecordingStopped is the recorder callback for the current save.
func (e *Engine) RecordingStopped(path string, err error) {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()
	e.recordingStopped(gen, path, err)
}

func (e *Engine) recordingStopped(gen uint64, path string, err error) {
	e.mu.Lock()
	if gen != e.gen || e.state != StateWaitingToSave {
		e.mu.Unlock()
		return
	}
	ctx, req := e.ctx, e.request
	e.mu.Unlock()

	if err != nil {
		e.log.Warn(ctx, "background recording failed", "error", err)
	} else if path != "" {
		if err := e.p.Controller.AttachBackgroundRecording(path); err != nil {
			e.log.Warn(ctx, "attach background recording", "path", path, "error", err)
		}
	}
	e.startWrite(ctx, gen, req)
}

func (e *Engine) startWrite(ctx context.Context, gen uint64, req Request) {
	if !e.transition(gen, Result{State: StateSaving, Request: req}) {
		return
	}

	var out outcome
	task := e.p.Scheduler.Immediate(
		func(taskCtx context.Context) {
			out = e.writer.write(taskCtx, req, func() bool { return e.beginCommit(gen) })
		},
		func() { e.finish(ctx, gen, req, out) },
	)

	e.mu.Lock()
	if gen == e.gen {
		e.task = task
	}
	e.mu.Unlock()
}

// beginCommit marks gen as past the point of no return. It fails when the
// request was cancelled or superseded.
func (e *Engine) beginCommit(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.doneGen == gen {
		return false
	}
	e.commitGen = gen
	return true
}

// Cancel aborts the current save, which then ends in StateSaveError. Once
// the instance file is being replaced the save can no longer be cancelled
// and finishes normally.
func (e *Engine) Cancel() {
	e.mu.Lock()
	if e.state.Terminal() || e.state == StateIdle || e.doneGen == e.gen {
		e.mu.Unlock()
		return
	}
	if e.commitGen == e.gen {
		e.mu.Unlock()
		e.log.Debug(context.Background(), "cancel ignored, save already writing")
		return
	}
	e.doneGen = e.gen
	e.inFlight = false
	if e.task != nil {
		e.task.Cancel()
		e.task = nil
	}
	req := e.request
	res := Result{State: StateSaveError, Request: req, Message: "save cancelled"}
	e.setLocked(res)
	e.mu.Unlock()

	e.p.Metrics.FormSaved(res.State.String())
	e.emit(res)
}

func (e *Engine) finish(ctx context.Context, gen uint64, req Request, out outcome) {
	e.mu.Lock()
	stale := gen != e.gen || e.doneGen == gen
	e.mu.Unlock()
	if stale {
		return
	}

	audit := e.p.Controller.AuditEventLogger()
	now := e.now()

	switch out.state {
	case StateSaved:
		e.deleteSavepoints(ctx, out.instance)
		if audit != nil {
			audit.LogEvent(AuditFormSave, "", now)
			if req.ShouldFinalize {
				audit.LogEvent(AuditFormFinalize, "", now)
			}
			if req.IsExitingView {
				audit.LogEvent(AuditFormExit, "", now)
			}
		}
		if req.ShouldFinalize && e.p.InstancesData != nil {
			e.p.InstancesData.InstanceFinalized(ctx, e.p.ProjectID, e.p.Form)
		}
		e.log.Info(ctx, "form saved", "instance_id", out.instance.DbID, "finalized", req.ShouldFinalize)
	case StateSaveError:
		e.logAudit(audit, AuditSaveError, out.message, now)
		e.log.Error(ctx, "form save failed", "message", out.message)
	case StateFinalizeError:
		e.logAudit(audit, AuditFinalizeError, out.message, now)
		e.log.Error(ctx, "form finalize failed", "message", out.message)
	case StateConstraintError:
		e.logAudit(audit, AuditConstraintError, out.message, now)
		e.log.Info(ctx, "form has constraint errors", "message", out.message)
	}
	if audit != nil {
		if err := audit.Flush(ctx); err != nil {
			e.log.Warn(ctx, "flush audit log", "error", err)
		}
	}

	res := Result{State: out.state, Request: req, Message: out.message, Instance: out.instance}
	if e.transition(gen, res) {
		e.p.Metrics.FormSaved(res.State.String())
	}
}

func (e *Engine) logAudit(audit AuditEventLogger, event AuditEventType, detail string, at time.Time) {
	if audit != nil {
		audit.LogEvent(event, detail, at)
	}
}

func (e *Engine) deleteSavepoints(ctx context.Context, inst *models.Instance) {
	if e.p.Savepoints == nil || e.p.Form == nil || inst == nil {
		return
	}
	id := inst.DbID
	for _, instanceID := range []*int64{&id, nil} {
		if err := e.p.Savepoints.Delete(ctx, e.p.Form.DbID, instanceID); err != nil {
			e.log.Warn(ctx, "delete savepoint", "error", err)
		}
	}
}

// WriteSavepoint snapshots the current answers into the cache directory so
// an interrupted session can be recovered.
func (e *Engine) WriteSavepoint(ctx context.Context) error {
	data, err := e.p.Controller.InstanceXML()
	if err != nil {
		return err
	}
	instanceFile := e.p.Controller.InstanceFile()
	path := filepath.Join(e.p.CacheDir, filepath.Base(instanceFile)+".save")
	if err := filex.WriteFileAtomic(path, data, 0o660); err != nil {
		return err
	}
	if e.p.Savepoints == nil || e.p.Form == nil {
		return nil
	}

	sp := &models.Savepoint{
		FormDbID:          e.p.Form.DbID,
		SavepointFilePath: path,
		InstanceDirPath:   filepath.Dir(instanceFile),
	}
	inst, err := e.p.Instances.GetOneByPath(ctx, instanceFile)
	if err != nil {
		return err
	}
	if inst != nil {
		id := inst.DbID
		sp.InstanceDbID = &id
	}
	return e.p.Savepoints.Save(ctx, sp)
}

// transition applies res if gen is still the current request and the
// engine has not already reached a terminal state for it.
func (e *Engine) transition(gen uint64, res Result) bool {
	e.mu.Lock()
	if gen != e.gen || e.doneGen == gen {
		e.mu.Unlock()
		return false
	}
	e.setLocked(res)
	if res.State.Terminal() {
		e.doneGen = gen
		e.inFlight = false
		e.task = nil
	}
	e.mu.Unlock()

	e.emit(res)
	return true
}

func (e *Engine) setLocked(res Result) {
	e.state = res.State
	r := res
	e.last = &r
}

func (e *Engine) emit(res Result) {
	if e.p.Listener != nil {
		e.p.Listener(res)
	}
}
