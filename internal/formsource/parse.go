package formsource

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/beevik/etree"
	"github.com/getodk/collect-sub021/internal/models"
)

const (
	FormListNamespace = "http://openrosa.org/xforms/xformsList"
	ManifestNamespace = "http://openrosa.org/xforms/xformsManifest"
)

// ParseFormList parses a form list. isOpenRosa selects the OpenRosa 1.0
// dialect, otherwise the legacy Aggregate 0.9 list is expected. An entry
// missing a required field fails the whole list.
func ParseFormList(r io.Reader, isOpenRosa bool) ([]models.FormListItem, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		kind := ParseError
		if !isOpenRosa {
			kind = LegacyParseError
		}
		return nil, &Error{Kind: kind, Message: "form list is not valid xml", Err: err}
	}
	if isOpenRosa {
		return parseOpenRosaList(doc)
	}
	return parseLegacyList(doc)
}

func parseOpenRosaList(doc *etree.Document) ([]models.FormListItem, error) {
	root := doc.Root()
	if root == nil || root.Tag != "xforms" || root.NamespaceURI() != FormListNamespace {
		return nil, &Error{Kind: ParseError, Message: "root element is not xforms in " + FormListNamespace}
	}

	var items []models.FormListItem
	for i, xf := range root.SelectElements("xform") {
		item := models.FormListItem{
			FormID:            text(xf, "formID"),
			Name:              text(xf, "name"),
			Version:           text(xf, "version"),
			MajorMinorVersion: text(xf, "majorMinorVersion"),
			Description:       text(xf, "descriptionText"),
			DownloadURL:       text(xf, "downloadUrl"),
			ManifestURL:       text(xf, "manifestUrl"),
			Hash:              strings.TrimPrefix(text(xf, "hash"), "md5:"),
		}
		if missing := missingField(map[string]string{
			"formID":      item.FormID,
			"name":        item.Name,
			"downloadUrl": item.DownloadURL,
		}); missing != "" {
			return nil, &Error{Kind: ParseError, Message: fmt.Sprintf("form %d is missing %s", i+1, missing)}
		}
		items = append(items, item)
	}
	return items, nil
}

// parseLegacyList reads <forms><form url="...">Name</form></forms>. The form
// id comes from a preceding <formID> sibling or the url's formId parameter.
func parseLegacyList(doc *etree.Document) ([]models.FormListItem, error) {
	root := doc.Root()
	if root == nil || root.Tag != "forms" {
		return nil, &Error{Kind: LegacyParseError, Message: "root element is not forms"}
	}

	var items []models.FormListItem
	pendingID := ""
	n := 0
	for _, e := range root.ChildElements() {
		switch e.Tag {
		case "formID":
			pendingID = strings.TrimSpace(e.Text())
		case "form":
			n++
			item := models.FormListItem{
				Name:        strings.TrimSpace(e.Text()),
				DownloadURL: strings.TrimSpace(e.SelectAttrValue("url", "")),
				FormID:      pendingID,
			}
			pendingID = ""
			if item.FormID == "" {
				item.FormID = formIDFromURL(item.DownloadURL)
			}
			if missing := missingField(map[string]string{
				"formID": item.FormID,
				"name":   item.Name,
				"url":    item.DownloadURL,
			}); missing != "" {
				return nil, &Error{Kind: LegacyParseError, Message: fmt.Sprintf("form %d is missing %s", n, missing)}
			}
			items = append(items, item)
		}
	}
	return items, nil
}

// ParseManifest parses a media manifest; hash is the md5 of the document.
func ParseManifest(r io.Reader, hash string) (*models.ManifestFile, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, &Error{Kind: ParseError, Message: "manifest is not valid xml", Err: err}
	}
	root := doc.Root()
	if root == nil || root.Tag != "manifest" || root.NamespaceURI() != ManifestNamespace {
		return nil, &Error{Kind: ParseError, Message: "root element is not manifest in " + ManifestNamespace}
	}

	m := &models.ManifestFile{Hash: hash}
	for i, mf := range root.SelectElements("mediaFile") {
		f := models.MediaFile{
			Filename:    text(mf, "filename"),
			Hash:        strings.TrimPrefix(text(mf, "hash"), "md5:"),
			DownloadURL: text(mf, "downloadUrl"),
		}
		if missing := missingField(map[string]string{
			"filename":    f.Filename,
			"hash":        f.Hash,
			"downloadUrl": f.DownloadURL,
		}); missing != "" {
			return nil, &Error{Kind: ParseError, Message: fmt.Sprintf("media file %d is missing %s", i+1, missing)}
		}
		m.MediaFiles = append(m.MediaFiles, f)
	}
	return m, nil
}

func text(e *etree.Element, tag string) string {
	if c := e.SelectElement(tag); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

// missingField returns the first empty field in a fixed order.
func missingField(fields map[string]string) string {
	for _, name := range []string{"formID", "name", "filename", "hash", "downloadUrl", "url"} {
		if v, ok := fields[name]; ok && v == "" {
			return name
		}
	}
	return ""
}

func formIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("formId")
}
