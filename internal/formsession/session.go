// Package formsession is a document-backed form session: it holds the
// instance XML of one form being filled in, answers simple absolute
// references and implements formsave.FormController.
package formsession

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/getodk/collect-sub021/internal/cryptox"
	"github.com/getodk/collect-sub021/internal/filex"
	"github.com/getodk/collect-sub021/internal/formsave"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/xform"
)

var (
	ErrNotEditable  = errors.New("instance cannot be edited")
	ErrUnknownField = errors.New("no such field in the instance")
)

// Session is one form being filled in.
type Session struct {
	form         *models.Form
	md           *xform.Metadata
	doc          *etree.Document
	instancePath string
	editing      bool
	audit        *CSVAuditLogger
}

var _ formsave.FormController = (*Session)(nil)

// New starts a blank instance of form under instancesDir.
func New(form *models.Form, instancesDir string, now time.Time, requireChangeReason bool) (*Session, error) {
	md, err := readMetadata(form.FormFilePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(form.FormFilePath)
	if err != nil {
		return nil, fmt.Errorf("open form: %w", err)
	}
	defer f.Close()

	doc, _, err := xform.NewInstance(f)
	if err != nil {
		return nil, err
	}

	title := form.DisplayName
	if title == "" {
		title = md.Title
	}
	path := filex.InstancePath(instancesDir, title, now)
	return &Session{
		form:         form,
		md:           md,
		doc:          doc,
		instancePath: path,
		audit:        NewCSVAuditLogger(filepath.Join(filepath.Dir(path), AuditFileName), requireChangeReason, false),
	}, nil
}

// Open resumes an existing instance for editing.
func Open(form *models.Form, inst *models.Instance, requireChangeReason bool) (*Session, error) {
	if inst.Status.Finalized() && !inst.CanEditWhenComplete {
		return nil, ErrNotEditable
	}
	if encrypted, err := cryptox.IsEncryptedInstance(inst.InstanceFilePath); err != nil {
		return nil, err
	} else if encrypted {
		return nil, ErrNotEditable
	}

	md, err := readMetadata(form.FormFilePath)
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(inst.InstanceFilePath); err != nil {
		return nil, fmt.Errorf("read instance: %w", err)
	}
	return &Session{
		form:         form,
		md:           md,
		doc:          doc,
		instancePath: inst.InstanceFilePath,
		editing:      true,
		audit:        NewCSVAuditLogger(filepath.Join(inst.Dir(), AuditFileName), requireChangeReason, inst.Status.Finalized()),
	}, nil
}

func readMetadata(path string) (*xform.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open form: %w", err)
	}
	defer f.Close()
	return xform.ParseMetadata(f)
}

// SetAnswer sets the text of the field at an absolute path.
func (s *Session) SetAnswer(path, value string) error {
	e := xform.Resolve(s.doc, path)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownField, path)
	}
	if e.Text() == value {
		return nil
	}
	e.SetText(value)
	s.audit.MarkEdited()
	return nil
}

// Answer returns the text of the field at an absolute path.
func (s *Session) Answer(path string) string {
	if e := xform.Resolve(s.doc, path); e != nil {
		return e.Text()
	}
	return ""
}

// DisplayName is meta/instanceName when present, otherwise the form title.
func (s *Session) DisplayName() string {
	if root := s.doc.Root(); root != nil {
		if e := root.FindElement("./meta/instanceName"); e != nil {
			if name := strings.TrimSpace(e.Text()); name != "" {
				return name
			}
		}
	}
	return s.FormTitle()
}

func (s *Session) AuditEventLogger() formsave.AuditEventLogger { return s.audit }
func (s *Session) InstanceFile() string                        { return s.instancePath }
func (s *Session) IsEditing() bool                             { return s.editing }
func (s *Session) FormID() string                              { return s.md.FormID }
func (s *Session) FormVersion() string                         { return s.md.Version }
func (s *Session) InstanceID() string                          { return xform.InstanceID(s.doc) }

func (s *Session) FormTitle() string {
	if s.form.DisplayName != "" {
		return s.form.DisplayName
	}
	return s.md.Title
}

func (s *Session) InstanceXML() ([]byte, error) {
	return s.doc.WriteToBytes()
}

func (s *Session) ValidateAnswers(markCompleted bool) error {
	if !markCompleted {
		return nil
	}
	for _, p := range s.md.RequiredPaths {
		e := xform.Resolve(s.doc, p)
		if e != nil && strings.TrimSpace(e.Text()) == "" {
			return &formsave.ConstraintViolation{Path: p, Message: "required"}
		}
	}
	return nil
}

// Geometry converts the first geopoint answer ("lat lon [alt acc]") to a
// GeoJSON point.
func (s *Session) Geometry() (string, string, bool) {
	if s.md.GeometryXPath == "" {
		return "", "", false
	}
	fields := strings.Fields(s.Answer(s.md.GeometryXPath))
	if len(fields) < 2 {
		return "", "", false
	}
	lat, err1 := strconv.ParseFloat(fields[0], 64)
	lon, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil {
		return "", "", false
	}
	geo := fmt.Sprintf(`{"type":"Point","coordinates":[%s,%s]}`,
		strconv.FormatFloat(lon, 'f', -1, 64), strconv.FormatFloat(lat, 'f', -1, 64))
	return "Point", geo, true
}

func (s *Session) AttachBackgroundRecording(path string) error {
	dir := filepath.Dir(s.instancePath)
	if err := filex.EnsureDir(dir); err != nil {
		return err
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		if err := filex.CopyFile(path, dst); err != nil {
			return err
		}
		_ = os.Remove(path)
	}
	if s.md.BackgroundAudioPath != "" {
		return s.SetAnswer(s.md.BackgroundAudioPath, filepath.Base(path))
	}
	return nil
}
