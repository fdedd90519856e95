package formsave

import (
	"context"
	"fmt"
	"time"

	"github.com/getodk/collect-sub021/internal/models"
)

// State is an observable stage of a save.
type State int

const (
	StateIdle State = iota
	StateChangeReasonRequired
	StateWaitingToSave
	StateSaving
	StateSaved
	StateSaveError
	StateFinalizeError
	StateConstraintError
)

var stateNames = map[State]string{
	StateIdle:                 "idle",
	StateChangeReasonRequired: "change_reason_required",
	StateWaitingToSave:        "waiting_to_save",
	StateSaving:               "saving",
	StateSaved:                "saved",
	StateSaveError:            "save_error",
	StateFinalizeError:        "finalize_error",
	StateConstraintError:      "constraint_error",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the state ends a save.
func (s State) Terminal() bool {
	switch s {
	case StateSaved, StateSaveError, StateFinalizeError, StateConstraintError:
		return true
	}
	return false
}

// Request describes one save.
type Request struct {
	// InstanceDbID targets an existing row; zero resolves the row by the
	// controller's instance file, creating it if needed.
	InstanceDbID   int64
	ShouldFinalize bool
	// NewDisplayName replaces the instance display name when not empty.
	NewDisplayName string
	IsExitingView  bool
}

// Result is reported for every state change of a save.
type Result struct {
	State   State
	Request Request
	// Message carries error detail.
	Message string
	// Instance is the saved row, set with StateSaved.
	Instance *models.Instance
}

// AuditEventType names an entry of the form audit log.
type AuditEventType string

const (
	AuditFormSave        AuditEventType = "form save"
	AuditFormFinalize    AuditEventType = "form finalize"
	AuditFormExit        AuditEventType = "form exit"
	AuditChangeReason    AuditEventType = "change reason"
	AuditSaveError       AuditEventType = "save error"
	AuditFinalizeError   AuditEventType = "finalize error"
	AuditConstraintError AuditEventType = "constraint error"
)

// AuditEventLogger buffers audit events for the form session.
type AuditEventLogger interface {
	LogEvent(event AuditEventType, detail string, at time.Time)
	// Flush closes pending events and writes them out.
	Flush(ctx context.Context) error
	// IsChangeReasonRequired reports that a finalized instance was edited
	// under a policy demanding a reason.
	IsChangeReasonRequired() bool
}

// FormController is the in-memory form session being saved. The engine
// does not own it.
type FormController interface {
	AuditEventLogger() AuditEventLogger
	InstanceFile() string
	IsEditing() bool

	FormID() string
	FormVersion() string
	FormTitle() string
	InstanceID() string

	// InstanceXML serializes the current answers.
	InstanceXML() ([]byte, error)

	// ValidateAnswers checks required answers and constraints. A failure is
	// reported as *ConstraintViolation.
	ValidateAnswers(markCompleted bool) error

	// Geometry returns the first geo answer as GeoJSON, if any.
	Geometry() (geometryType, geometry string, ok bool)

	// AttachBackgroundRecording moves a finished background recording into
	// the instance.
	AttachBackgroundRecording(path string) error
}

// ConstraintViolation is returned by ValidateAnswers.
type ConstraintViolation struct {
	Path    string
	Message string
}

func (c *ConstraintViolation) Error() string {
	if c.Message != "" {
		return fmt.Sprintf("%s: %s", c.Path, c.Message)
	}
	return c.Path + ": constraint not satisfied"
}

// AudioRecorder is the background recorder of the form session.
type AudioRecorder interface {
	IsRecording() bool
	// Stop finishes the recording asynchronously and reports the file.
	Stop(done func(path string, err error))
}

// InstancesDataService is told about finalized instances.
type InstancesDataService interface {
	InstanceFinalized(ctx context.Context, projectID string, form *models.Form)
}
