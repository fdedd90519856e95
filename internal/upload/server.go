package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/getodk/collect-sub021/internal/logging"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/openrosa"
	"github.com/getodk/collect-sub021/internal/repositories/instances"
)

// SubmissionURL resolves the HTTP destination: the instance's own URI, then
// the form's, then the server default. deviceID is appended as a query
// parameter.
func SubmissionURL(inst *models.Instance, form *models.Form, defaultURL, deviceID string) string {
	dest := defaultURL
	switch {
	case inst.SubmissionURI != "":
		dest = inst.SubmissionURI
	case form != nil && form.SubmissionURI != "":
		dest = form.SubmissionURI
	}
	if deviceID == "" {
		return dest
	}
	u, err := url.Parse(dest)
	if err != nil {
		return dest
	}
	q := u.Query()
	q.Set("deviceID", deviceID)
	u.RawQuery = q.Encode()
	return u.String()
}

type ServerUploader struct {
	client    *openrosa.Client
	instances instances.Repository
	creds     *openrosa.Credentials
	threshold int64
	log       logging.Logger

	mu    sync.Mutex
	remap map[string]string
}

func NewServerUploader(client *openrosa.Client, repo instances.Repository, creds *openrosa.Credentials, contentLengthThreshold int64, log logging.Logger) *ServerUploader {
	if log == nil {
		log = logging.Nop()
	}
	return &ServerUploader{
		client:    client,
		instances: repo,
		creds:     creds,
		threshold: contentLengthThreshold,
		log:       log,
		remap:     make(map[string]string),
	}
}

// UploadOne checks destination with HEAD, then posts the instance and its
// attachments. The instance is marked submitted or submissionFailed.
func (u *ServerUploader) UploadOne(ctx context.Context, inst *models.Instance, destination string) (string, error) {
	msg, err := u.upload(ctx, inst, destination)
	status := models.StatusSubmitted
	if err != nil {
		status = models.StatusSubmissionFailed
	}
	if markErr := markStatus(ctx, u.instances, inst, status); markErr != nil {
		return "", &Error{Kind: Generic, Message: "could not record upload result", Err: errors.Join(err, markErr)}
	}
	return msg, err
}

func (u *ServerUploader) upload(ctx context.Context, inst *models.Instance, destination string) (string, error) {
	uri := u.resolve(destination)

	head, err := u.client.Head(ctx, uri, u.creds)
	if err != nil {
		return "", transportFailure(err)
	}
	switch code := head.StatusCode; {
	case code == http.StatusNoContent:
	case code == http.StatusUnauthorized:
		return "", &Error{Kind: AuthRequired, Message: "server requires authentication"}
	case code >= 300 && code < 400:
		loc := head.Header.Get("Location")
		if loc == "" {
			return "", &Error{Kind: Generic, Message: fmt.Sprintf("redirect from %s has no location", uri)}
		}
		if next, err := url.Parse(uri); err == nil {
			if ref, err := next.Parse(loc); err == nil {
				loc = ref.String()
			}
		}
		u.log.Info(ctx, "submission url redirected", "from", uri, "to", loc)
		u.mu.Lock()
		u.remap[destination] = loc
		u.mu.Unlock()
		uri = loc
	case code >= 200 && code < 300:
		return "", &Error{Kind: Generic, Message: fmt.Sprintf("server answered HEAD with %d instead of 204, a proxy may be interfering", code)}
	default:
		u.log.Warn(ctx, "unexpected HEAD status, posting anyway", "uri", uri, "status", code)
	}

	files, err := attachments(inst)
	if err != nil {
		return "", &Error{Kind: Generic, Message: "could not read instance files", Err: err}
	}

	res, err := u.client.UploadSubmission(ctx, inst.InstanceFilePath, files, uri, u.creds, u.threshold)
	if err != nil {
		return "", transportFailure(err)
	}
	if !res.Accepted() {
		kind := Generic
		if res.StatusCode == http.StatusUnauthorized {
			kind = AuthRequired
		}
		return "", &Error{Kind: kind, Message: fmt.Sprintf("%s (%d)", strings.TrimSpace(res.Message), res.StatusCode)}
	}
	if res.Message == "" || res.Message == http.StatusText(res.StatusCode) {
		return "Success", nil
	}
	return res.Message, nil
}

func (u *ServerUploader) resolve(destination string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if to, ok := u.remap[destination]; ok {
		return to
	}
	return destination
}

func transportFailure(err error) error {
	if openrosa.IsKind(err, openrosa.KindAuthRequired) {
		return &Error{Kind: AuthRequired, Message: "server requires authentication", Err: err}
	}
	if openrosa.IsKind(err, openrosa.KindUnknownHost) {
		return &Error{Kind: Generic, Message: "server could not be reached", Err: err}
	}
	return &Error{Kind: Generic, Message: "upload failed", Err: err}
}
