package upload

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/getodk/collect-sub021/internal/cryptox"
	"github.com/getodk/collect-sub021/internal/logging"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/repositories/instances"
)

// Sheets is the spreadsheet side of the Google transport.
type Sheets interface {
	FirstSheetTitle(ctx context.Context, spreadsheetID string) (string, error)
	HeaderRow(ctx context.Context, spreadsheetID, sheet string) ([]string, error)
	SetHeaderRow(ctx context.Context, spreadsheetID, sheet string, header []string) error
	AppendRow(ctx context.Context, spreadsheetID, sheet string, row []string) error
}

// Drive stores instance media and returns a link to it.
type Drive interface {
	UploadFile(ctx context.Context, folder, path string) (string, error)
}

var ErrNotSheetsURL = errors.New("not a Google Sheets url")

// SpreadsheetID extracts the id from
// https://docs.google.com/spreadsheets/d/<id>/...
func SpreadsheetID(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host != "docs.google.com" {
		return "", fmt.Errorf("%w: %s", ErrNotSheetsURL, raw)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "spreadsheets" || parts[1] != "d" || parts[2] == "" {
		return "", fmt.Errorf("%w: %s", ErrNotSheetsURL, raw)
	}
	return parts[2], nil
}

type SheetsUploader struct {
	sheets    Sheets
	drive     Drive
	instances instances.Repository
	log       logging.Logger
}

func NewSheetsUploader(sheets Sheets, drive Drive, repo instances.Repository, log logging.Logger) *SheetsUploader {
	if log == nil {
		log = logging.Nop()
	}
	return &SheetsUploader{sheets: sheets, drive: drive, instances: repo, log: log}
}

// UploadOne appends the instance as a row of the destination spreadsheet.
// Media answers are uploaded to Drive and replaced with their links.
func (u *SheetsUploader) UploadOne(ctx context.Context, inst *models.Instance, destination string) (string, error) {
	err := u.upload(ctx, inst, destination)
	status := models.StatusSubmitted
	if err != nil {
		status = models.StatusSubmissionFailed
	}
	if markErr := markStatus(ctx, u.instances, inst, status); markErr != nil {
		return "", &Error{Kind: Generic, Message: "could not record upload result", Err: errors.Join(err, markErr)}
	}
	if err != nil {
		return "", err
	}
	return "Success", nil
}

func (u *SheetsUploader) upload(ctx context.Context, inst *models.Instance, destination string) error {
	id, err := SpreadsheetID(destination)
	if err != nil {
		return &Error{Kind: Generic, Message: "destination is not a Google Sheets url", Err: err}
	}
	if encrypted, err := cryptox.IsEncryptedInstance(inst.InstanceFilePath); err != nil {
		return &Error{Kind: Generic, Message: "could not read instance", Err: err}
	} else if encrypted {
		return &Error{Kind: Generic, Message: "encrypted forms cannot be sent to Google Sheets"}
	}

	cols, err := flatten(inst.InstanceFilePath)
	if err != nil {
		return &Error{Kind: Generic, Message: "could not read instance", Err: err}
	}
	if err := u.uploadMedia(ctx, inst, cols); err != nil {
		return err
	}

	sheet, err := u.sheets.FirstSheetTitle(ctx, id)
	if err != nil {
		return googleFailure("could not open spreadsheet", err)
	}
	header, err := u.sheets.HeaderRow(ctx, id, sheet)
	if err != nil {
		return googleFailure("could not read spreadsheet header", err)
	}

	extended := header
	for _, c := range cols {
		if !contains(extended, c.name) {
			extended = append(extended, c.name)
		}
	}
	if len(extended) != len(header) {
		if err := u.sheets.SetHeaderRow(ctx, id, sheet, extended); err != nil {
			return googleFailure("could not update spreadsheet header", err)
		}
	}

	values := make(map[string]string, len(cols))
	for _, c := range cols {
		values[c.name] = c.value
	}
	row := make([]string, len(extended))
	for i, name := range extended {
		row[i] = values[name]
	}
	if err := u.sheets.AppendRow(ctx, id, sheet, row); err != nil {
		return googleFailure("could not append row", err)
	}
	u.log.Info(ctx, "instance appended to spreadsheet", "instance_id", inst.DbID, "spreadsheet", id)
	return nil
}

func (u *SheetsUploader) uploadMedia(ctx context.Context, inst *models.Instance, cols []column) error {
	folder := models.SanitizeName(inst.DisplayName)
	for i, c := range cols {
		if c.value == "" || strings.ContainsAny(c.value, `/\`) {
			continue
		}
		path := filepath.Join(inst.Dir(), c.value)
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			continue
		}
		link, err := u.drive.UploadFile(ctx, folder, path)
		if err != nil {
			return googleFailure("could not upload "+c.value+" to Drive", err)
		}
		cols[i].value = link
	}
	return nil
}

type column struct {
	name  string
	value string
}

// flatten turns the leaves of an instance document into columns named by
// their path below the root joined with "-". Repeated paths get a numeric
// suffix.
func flatten(path string) ([]column, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("empty instance document")
	}

	var cols []column
	seen := map[string]int{}
	var walk func(e *etree.Element, prefix string)
	walk = func(e *etree.Element, prefix string) {
		for _, c := range e.ChildElements() {
			name := c.Tag
			if prefix != "" {
				name = prefix + "-" + c.Tag
			}
			if len(c.ChildElements()) > 0 {
				walk(c, name)
				continue
			}
			seen[name]++
			if n := seen[name]; n > 1 {
				name += "-" + strconv.Itoa(n)
			}
			cols = append(cols, column{name: name, value: strings.TrimSpace(c.Text())})
		}
	}
	walk(root, "")
	return cols, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
