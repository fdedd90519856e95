// Package models defines the records persisted and exchanged by the
// collect client: instances, form definitions, savepoints, and the
// value objects parsed from OpenRosa discovery documents.
package models

import (
	"path/filepath"
	"strings"
	"time"
)

// InstanceStatus is the lifecycle state of a filled-in form.
type InstanceStatus string

const (
	StatusIncomplete       InstanceStatus = "incomplete"
	StatusComplete         InstanceStatus = "complete"
	StatusSubmitted        InstanceStatus = "submitted"
	StatusSubmissionFailed InstanceStatus = "submissionFailed"
)

// Finalized reports whether the instance has been marked complete at least once.
func (s InstanceStatus) Finalized() bool {
	return s == StatusComplete || s == StatusSubmitted || s == StatusSubmissionFailed
}

// Instance is one survey-filling attempt backed by a single XML file.
type Instance struct {
	// DbID is assigned by the repository on first save.
	DbID int64 `db:"id"`

	// FormID and FormVersion identify the form schema this instance fills in.
	FormID      string `db:"form_id"`
	FormVersion string `db:"form_version"`

	// InstanceFilePath is the absolute path of the instance XML.
	InstanceFilePath string `db:"instance_file_path"`

	DisplayName string         `db:"display_name"`
	Status      InstanceStatus `db:"status"`

	// LastStatusChangeDate is stamped by the repository on every save.
	LastStatusChangeDate time.Time `db:"last_status_change_date"`

	// DeletedDate is set by a soft delete. The row is kept so a submitted
	// instance cannot be silently resubmitted.
	DeletedDate *time.Time `db:"deleted_date"`

	// GeometryType and Geometry are used for map display and cleared when
	// the instance is encrypted or soft-deleted.
	GeometryType *string `db:"geometry_type"`
	Geometry     *string `db:"geometry"`

	// SubmissionURI overrides the destination for this instance.
	SubmissionURI string `db:"submission_uri"`

	CanEditWhenComplete bool `db:"can_edit_when_complete"`
}

// Dir returns the directory holding the instance XML and its attachments.
func (i *Instance) Dir() string {
	return filepath.Dir(i.InstanceFilePath)
}

// IsDeleted reports whether the instance was soft-deleted.
func (i *Instance) IsDeleted() bool {
	return i.DeletedDate != nil
}

// ClearGeometry drops the map payload.
func (i *Instance) ClearGeometry() {
	i.GeometryType = nil
	i.Geometry = nil
}

// Copy returns a shallow copy with its own pointer fields.
func (i *Instance) Copy() *Instance {
	c := *i
	if i.DeletedDate != nil {
		d := *i.DeletedDate
		c.DeletedDate = &d
	}
	if i.GeometryType != nil {
		g := *i.GeometryType
		c.GeometryType = &g
	}
	if i.Geometry != nil {
		g := *i.Geometry
		c.Geometry = &g
	}
	return &c
}

// SanitizeName turns a display name into something safe to use as a file name.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_", "\n", " ", "\t", " ")
	name = replacer.Replace(name)
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return "instance"
	}
	return name
}
