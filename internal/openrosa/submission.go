package openrosa

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
)

const (
	// SubmissionPartName is the multipart field carrying the instance XML.
	SubmissionPartName = "xml_submission_file"
	incompleteField    = "*isIncomplete*"

	// MaxPartsPerRequest caps the number of parts in one POST.
	MaxPartsPerRequest = 100
)

// UploadSubmission POSTs the submission XML and its attachments to uri,
// splitting them over as many multipart requests as contentLengthThreshold
// and MaxPartsPerRequest require. The XML goes in the first request only and
// every request but the last carries *isIncomplete*=yes. A response other
// than 201 or 202 stops the sequence and is returned as is.
func (c *Client) UploadSubmission(ctx context.Context, submissionFile string, attachments []string, uri string, creds *Credentials, contentLengthThreshold int64) (*PostResult, error) {
	xmlData, err := os.ReadFile(submissionFile)
	if err != nil {
		return nil, &Error{Kind: KindIO, Message: "reading submission", Err: err}
	}

	next := 0
	first := true
	var last *PostResult
	for first || next < len(attachments) {
		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		var size int64
		parts := 0

		if first {
			if err := writePart(mw, SubmissionPartName, filepath.Base(submissionFile), "text/xml; charset=ISO-8859-1", xmlData); err != nil {
				return nil, err
			}
			size += int64(len(xmlData))
			parts++
		}

		for next < len(attachments) {
			path := attachments[next]
			info, err := os.Stat(path)
			if err != nil {
				return nil, &Error{Kind: KindIO, Message: "reading attachment " + filepath.Base(path), Err: err}
			}
			if parts > 0 && (size+info.Size() > contentLengthThreshold || parts >= MaxPartsPerRequest) {
				break
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, &Error{Kind: KindIO, Message: "reading attachment " + filepath.Base(path), Err: err}
			}
			name := filepath.Base(path)
			if err := writePart(mw, name, name, contentTypeFor(name), data); err != nil {
				return nil, err
			}
			size += int64(len(data))
			parts++
			next++
		}

		if next < len(attachments) {
			if err := mw.WriteField(incompleteField, "yes"); err != nil {
				return nil, &Error{Kind: KindIO, Message: "building multipart body", Err: err}
			}
		}
		if err := mw.Close(); err != nil {
			return nil, &Error{Kind: KindIO, Message: "building multipart body", Err: err}
		}

		res, err := c.post(ctx, uri, mw.FormDataContentType(), body.Bytes(), creds)
		if err != nil {
			return nil, err
		}
		c.log.Debug(ctx, "submission part posted", "uri", uri, "status", res.StatusCode, "parts", parts, "bytes", size)
		if !res.Accepted() {
			return res, nil
		}
		last = res
		first = false
	}
	return last, nil
}

func writePart(mw *multipart.Writer, field, filename, contentType string, data []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	w, err := mw.CreatePart(h)
	if err != nil {
		return &Error{Kind: KindIO, Message: "building multipart body", Err: err}
	}
	if _, err := w.Write(data); err != nil {
		return &Error{Kind: KindIO, Message: "building multipart body", Err: err}
	}
	return nil
}

func contentTypeFor(name string) string {
	switch filepath.Ext(name) {
	case ".xml":
		return "text/xml"
	case ".enc":
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
