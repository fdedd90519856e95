package submit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/getodk/collect-sub021/internal/config"
	"github.com/getodk/collect-sub021/internal/logging"
	"github.com/getodk/collect-sub021/internal/metrics"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/repositories/forms"
	"github.com/getodk/collect-sub021/internal/upload"
)

// Settings are the parts of the configuration a batch depends on.
type Settings struct {
	Protocol        string
	ServerURL       string
	SubmissionPath  string
	GoogleAccount   string
	GoogleSheetsURL string
	DeleteAfterSend bool
}

// SettingsFromConfig copies the submission settings out of cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Protocol:        cfg.Protocol,
		ServerURL:       cfg.ServerURL,
		SubmissionPath:  cfg.SubmissionPath,
		GoogleAccount:   cfg.GoogleAccount,
		GoogleSheetsURL: cfg.GoogleSheetsURL,
		DeleteAfterSend: cfg.DeleteAfterSend,
	}
}

func (s Settings) defaultSubmissionURL() string {
	return strings.TrimRight(s.ServerURL, "/") + "/" + strings.TrimLeft(s.SubmissionPath, "/")
}

type DeviceIDProvider interface {
	DeviceID(ctx context.Context) (string, error)
}

// InstanceDeleter is instances.Deleter.
type InstanceDeleter interface {
	Delete(ctx context.Context, id int64) error
}

type Params struct {
	Settings Settings
	Server   upload.Uploader

	// Sheets builds the Google uploader on demand. An error means the
	// account cannot be used.
	Sheets func(ctx context.Context) (upload.Uploader, error)

	Forms    forms.Repository
	Deleter  InstanceDeleter
	DeviceID DeviceIDProvider
	Logger   logging.Logger
	Metrics  *metrics.Metrics
}

// Result of one batch.
type Result struct {
	AnyFailure bool

	// Messages holds one entry per instance, keyed by instance id.
	Messages  map[int64]string
	Succeeded int
	Total     int
	Summary   string
}

// InstanceSubmitter uploads one batch of instances.
type InstanceSubmitter interface {
	// SubmitInstances uploads the instances one after another. A failing
	// instance is recorded and the batch carries on.
	SubmitInstances(ctx context.Context, list []*models.Instance) (*Result, error)
}

type instanceSubmitter struct {
	p   Params
	log logging.Logger
}

func NewInstanceSubmitter(p Params) InstanceSubmitter {
	log := p.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &instanceSubmitter{p: p, log: log}
}

func (s *instanceSubmitter) SubmitInstances(ctx context.Context, list []*models.Instance) (*Result, error) {
	if len(list) == 0 {
		return nil, &Error{Kind: NothingToSubmit, Message: "there are no instances to submit"}
	}

	uploader, destination, err := s.transport(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{Messages: make(map[int64]string, len(list)), Total: len(list)}
	var lines []string
	for _, inst := range list {
		msg, ok := s.submitOne(ctx, uploader, destination, inst)
		res.Messages[inst.DbID] = msg
		lines = append(lines, fmt.Sprintf("%s - %s", inst.DisplayName, msg))
		if ok {
			res.Succeeded++
		} else {
			res.AnyFailure = true
		}
	}
	lines = append(lines, fmt.Sprintf("%d of %d submitted", res.Succeeded, res.Total))
	res.Summary = strings.Join(lines, "\n")
	return res, nil
}

// destinationFunc resolves where one instance goes for the chosen protocol.
type destinationFunc func(ctx context.Context, inst *models.Instance, form *models.Form) (string, error)

func (s *instanceSubmitter) transport(ctx context.Context) (upload.Uploader, destinationFunc, error) {
	if s.p.Settings.Protocol != config.ProtocolGoogleSheets {
		return s.p.Server, s.serverDestination, nil
	}

	if s.p.Settings.GoogleAccount == "" {
		return nil, nil, &Error{Kind: GoogleAccountNotSet, Message: "no Google account is selected"}
	}
	if s.p.Sheets == nil {
		return nil, nil, &Error{Kind: GoogleAccountNotPermitted, Message: "Google Sheets is not configured"}
	}
	u, err := s.p.Sheets(ctx)
	if err != nil {
		return nil, nil, &Error{Kind: GoogleAccountNotPermitted, Message: "Google account " + s.p.Settings.GoogleAccount + " cannot be used", Err: err}
	}
	return u, s.sheetsDestination, nil
}

func (s *instanceSubmitter) serverDestination(ctx context.Context, inst *models.Instance, form *models.Form) (string, error) {
	deviceID := ""
	if s.p.DeviceID != nil {
		id, err := s.p.DeviceID.DeviceID(ctx)
		if err != nil {
			return "", err
		}
		deviceID = id
	}
	return upload.SubmissionURL(inst, form, s.p.Settings.defaultSubmissionURL(), deviceID), nil
}

func (s *instanceSubmitter) sheetsDestination(_ context.Context, inst *models.Instance, form *models.Form) (string, error) {
	dest := s.p.Settings.GoogleSheetsURL
	switch {
	case inst.SubmissionURI != "":
		dest = inst.SubmissionURI
	case form != nil && form.SubmissionURI != "":
		dest = form.SubmissionURI
	}
	if _, err := upload.SpreadsheetID(dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (s *instanceSubmitter) submitOne(ctx context.Context, uploader upload.Uploader, destination destinationFunc, inst *models.Instance) (string, bool) {
	form, err := s.p.Forms.GetLatestByFormIDAndVersion(ctx, inst.FormID, inst.FormVersion)
	if err != nil {
		s.log.Error(ctx, "lookup form for instance", "instance_id", inst.DbID, "error", err)
		return "Error: " + err.Error(), false
	}

	dest, err := destination(ctx, inst, form)
	if err != nil {
		s.log.Warn(ctx, "no usable destination", "instance_id", inst.DbID, "error", err)
		return "Error: " + err.Error(), false
	}

	start := time.Now()
	msg, err := uploader.UploadOne(ctx, inst, dest)
	s.p.Metrics.InstanceUploaded(s.protocol(), err == nil, time.Since(start))
	if err != nil {
		s.log.Warn(ctx, "instance upload failed", "instance_id", inst.DbID, "error", err)
		return upload.Message(err), false
	}
	s.log.Info(ctx, "instance uploaded", "instance_id", inst.DbID, "destination", dest)

	global := s.p.Settings.DeleteAfterSend
	autoDelete := global
	if form != nil {
		autoDelete = form.AutoDeleteEnabled(global)
	}
	if autoDelete && s.p.Deleter != nil {
		if err := s.p.Deleter.Delete(ctx, inst.DbID); err != nil {
			s.log.Error(ctx, "delete after send", "instance_id", inst.DbID, "error", err)
		}
	}
	return msg, true
}

func (s *instanceSubmitter) protocol() string {
	if s.p.Settings.Protocol == config.ProtocolGoogleSheets {
		return "google_sheets"
	}
	return "odk"
}
