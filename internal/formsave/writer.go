package formsave

import (
	"context"
	"errors"
	"fmt"

	"github.com/getodk/collect-sub021/internal/cryptox"
	"github.com/getodk/collect-sub021/internal/filex"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/repositories/instances"
)

// outcome is what the background write hands to the callback.
type outcome struct {
	state    State
	message  string
	instance *models.Instance
}

func failed(state State, format string, args ...any) outcome {
	return outcome{state: state, message: fmt.Sprintf(format, args...)}
}

// writer persists the form session: validate, write the XML atomically,
// update the instance row and, when finalizing an encrypted form, encrypt.
type writer struct {
	ctrl      FormController
	form      *models.Form
	instances instances.Repository
}

// write runs the save. commit is called once, right before the instance
// file is replaced; when it returns false the save is abandoned untouched.
// After a successful commit the file, the row and the encryption are
// completed even if ctx is cancelled.
func (w *writer) write(ctx context.Context, req Request, commit func() bool) outcome {
	if req.ShouldFinalize {
		if err := w.ctrl.ValidateAnswers(true); err != nil {
			var cv *ConstraintViolation
			if errors.As(err, &cv) {
				return failed(StateConstraintError, "%s", cv.Error())
			}
			return failed(StateSaveError, "validate answers: %v", err)
		}
	}

	data, err := w.ctrl.InstanceXML()
	if err != nil {
		return failed(StateSaveError, "serialize instance: %v", err)
	}

	path := w.ctrl.InstanceFile()
	if path == "" {
		return failed(StateSaveError, "form session has no instance file")
	}

	if ctx.Err() != nil || !commit() {
		return failed(StateSaveError, "save cancelled")
	}
	ctx = context.WithoutCancel(ctx)

	if err := filex.WriteFileAtomic(path, data, 0o660); err != nil {
		return failed(StateSaveError, "write instance: %v", err)
	}

	// An encrypted form's instance only becomes complete once it has been
	// encrypted.
	encrypt := req.ShouldFinalize && w.form != nil && w.form.IsEncrypted()
	status := models.StatusIncomplete
	if req.ShouldFinalize && !encrypt {
		status = models.StatusComplete
	}

	inst, err := w.updateInstance(ctx, req, path, status)
	if err != nil {
		return failed(StateSaveError, "update instance: %v", err)
	}

	if encrypt {
		inst, err = w.encrypt(ctx, inst)
		if err != nil {
			return failed(StateFinalizeError, "%v", err)
		}
	}

	return outcome{state: StateSaved, instance: inst}
}

func (w *writer) updateInstance(ctx context.Context, req Request, path string, status models.InstanceStatus) (*models.Instance, error) {
	var (
		inst *models.Instance
		err  error
	)
	if req.InstanceDbID != 0 {
		inst, err = w.instances.Get(ctx, req.InstanceDbID)
	} else {
		inst, err = w.instances.GetOneByPath(ctx, path)
	}
	if err != nil {
		return nil, err
	}

	if inst == nil {
		inst = &models.Instance{
			FormID:              w.ctrl.FormID(),
			FormVersion:         w.ctrl.FormVersion(),
			InstanceFilePath:    path,
			DisplayName:         w.ctrl.FormTitle(),
			CanEditWhenComplete: true,
		}
		if w.form != nil {
			inst.SubmissionURI = w.form.SubmissionURI
		}
	}

	if req.NewDisplayName != "" {
		inst.DisplayName = req.NewDisplayName
	}
	inst.Status = status

	if gt, g, ok := w.ctrl.Geometry(); ok {
		inst.GeometryType, inst.Geometry = &gt, &g
	} else {
		inst.ClearGeometry()
	}

	return w.instances.Save(ctx, inst)
}

func (w *writer) encrypt(ctx context.Context, inst *models.Instance) (*models.Instance, error) {
	pub, err := cryptox.ParsePublicKey(w.form.BASE64RSAPublicKey)
	if err != nil {
		return nil, err
	}
	meta := cryptox.InstanceMetadata{
		FormID:      w.form.FormID,
		FormVersion: w.form.Version,
		InstanceID:  w.ctrl.InstanceID(),
		PublicKey:   pub,
	}
	if err := cryptox.EncryptInstance(ctx, inst.InstanceFilePath, meta); err != nil {
		return nil, err
	}

	inst.Status = models.StatusComplete
	inst.CanEditWhenComplete = false
	inst.ClearGeometry()
	saved, err := w.instances.Save(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("record encrypted instance: %w", err)
	}
	return saved, nil
}
