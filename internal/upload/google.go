package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const folderMimeType = "application/vnd.google-apps.folder"

// NewGoogleServices builds the Sheets and Drive clients from a service
// account or OAuth credentials file.
func NewGoogleServices(ctx context.Context, credentialsFile string) (Sheets, Drive, error) {
	if _, err := os.Stat(credentialsFile); err != nil {
		return nil, nil, fmt.Errorf("google credentials not found at %s: %w", credentialsFile, err)
	}
	opts := []option.ClientOption{
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheets.SpreadsheetsScope, drive.DriveFileScope),
	}
	s, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create sheets client: %w", err)
	}
	d, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create drive client: %w", err)
	}
	return &googleSheets{svc: s}, &googleDrive{svc: d, folders: make(map[string]string)}, nil
}

type googleSheets struct {
	svc *sheets.Service
}

func (g *googleSheets) FirstSheetTitle(ctx context.Context, spreadsheetID string) (string, error) {
	ss, err := g.svc.Spreadsheets.Get(spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(ss.Sheets) == 0 || ss.Sheets[0].Properties == nil {
		return "", errors.New("spreadsheet has no sheets")
	}
	return ss.Sheets[0].Properties.Title, nil
}

func (g *googleSheets) HeaderRow(ctx context.Context, spreadsheetID, sheet string) ([]string, error) {
	vr, err := g.svc.Spreadsheets.Values.Get(spreadsheetID, quoteSheet(sheet)+"!1:1").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if len(vr.Values) == 0 {
		return nil, nil
	}
	header := make([]string, 0, len(vr.Values[0]))
	for _, v := range vr.Values[0] {
		header = append(header, fmt.Sprint(v))
	}
	return header, nil
}

func (g *googleSheets) SetHeaderRow(ctx context.Context, spreadsheetID, sheet string, header []string) error {
	_, err := g.svc.Spreadsheets.Values.Update(spreadsheetID, quoteSheet(sheet)+"!1:1", &sheets.ValueRange{
		Values: [][]interface{}{toCells(header)},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

func (g *googleSheets) AppendRow(ctx context.Context, spreadsheetID, sheet string, row []string) error {
	_, err := g.svc.Spreadsheets.Values.Append(spreadsheetID, quoteSheet(sheet), &sheets.ValueRange{
		Values: [][]interface{}{toCells(row)},
	}).ValueInputOption("USER_ENTERED").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	return err
}

type googleDrive struct {
	svc     *drive.Service
	folders map[string]string
}

func (g *googleDrive) UploadFile(ctx context.Context, folder, path string) (string, error) {
	parent, err := g.folder(ctx, folder)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	created, err := g.svc.Files.Create(&drive.File{Name: filepath.Base(path), Parents: []string{parent}}).
		Media(f).Fields("id", "webViewLink").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if created.WebViewLink != "" {
		return created.WebViewLink, nil
	}
	return "https://drive.google.com/open?id=" + created.Id, nil
}

func (g *googleDrive) folder(ctx context.Context, name string) (string, error) {
	if id, ok := g.folders[name]; ok {
		return id, nil
	}
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false", strings.ReplaceAll(name, "'", `\'`), folderMimeType)
	list, err := g.svc.Files.List().Q(q).Fields("files(id)").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(list.Files) > 0 {
		g.folders[name] = list.Files[0].Id
		return list.Files[0].Id, nil
	}
	created, err := g.svc.Files.Create(&drive.File{Name: name, MimeType: folderMimeType}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	g.folders[name] = created.Id
	return created.Id, nil
}

func quoteSheet(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

func toCells(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// googleFailure maps Google API errors onto upload errors.
func googleFailure(msg string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
		return &Error{Kind: AuthRequired, Message: "Google account is not authorized: " + msg, Err: err}
	}
	return &Error{Kind: Generic, Message: msg, Err: err}
}
