package formsource

import (
	"bytes"
	"context"
	"strings"

	"github.com/getodk/collect-sub021/internal/logging"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/openrosa"
)

// Source talks to one configured server.
type Source struct {
	client       *openrosa.Client
	serverURL    string
	formListPath string
	creds        *openrosa.Credentials
	log          logging.Logger
}

func NewSource(client *openrosa.Client, serverURL, formListPath string, creds *openrosa.Credentials, log logging.Logger) *Source {
	if log == nil {
		log = logging.Nop()
	}
	return &Source{
		client:       client,
		serverURL:    strings.TrimRight(serverURL, "/"),
		formListPath: formListPath,
		creds:        creds,
		log:          log,
	}
}

func (s *Source) FormListURL() string {
	return s.serverURL + "/" + strings.TrimLeft(s.formListPath, "/")
}

// FetchFormList downloads and parses the server form list.
func (s *Source) FetchFormList(ctx context.Context) ([]models.FormListItem, error) {
	uri := s.FormListURL()
	res, err := s.client.Get(ctx, uri, "text/xml", s.creds)
	if err != nil {
		return nil, fromTransport(uri, err)
	}
	items, err := ParseFormList(bytes.NewReader(res.Body), res.IsOpenRosa)
	if err != nil {
		return nil, err
	}
	s.log.Debug(ctx, "form list fetched", "uri", uri, "forms", len(items), "openrosa", res.IsOpenRosa)
	return items, nil
}

// FetchManifest downloads a media manifest. Only OpenRosa servers publish
// manifests.
func (s *Source) FetchManifest(ctx context.Context, uri string) (*models.ManifestFile, error) {
	res, err := s.client.Get(ctx, uri, "text/xml", s.creds)
	if err != nil {
		return nil, fromTransport(uri, err)
	}
	if !res.IsOpenRosa {
		return nil, &Error{Kind: ServerNotOpenRosa, Message: "manifest " + uri + " was not served by an OpenRosa server"}
	}
	return ParseManifest(bytes.NewReader(res.Body), res.Hash)
}

// FetchFile downloads a form definition or a media file.
func (s *Source) FetchFile(ctx context.Context, uri string) ([]byte, string, error) {
	res, err := s.client.Get(ctx, uri, "", s.creds)
	if err != nil {
		return nil, "", fromTransport(uri, err)
	}
	return res.Body, res.Hash, nil
}
