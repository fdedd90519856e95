// Package xform extracts what the save and submit pipeline needs from an
// XForm definition: identity, submission settings, encryption key and a few
// bind properties. It does not evaluate XPath; only simple absolute
// references such as /data/group/field are understood.
package xform

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

var (
	ErrNotXForm      = errors.New("not an XForm")
	ErrNoInstance    = errors.New("form has no primary instance")
	ErrMissingFormID = errors.New("primary instance has no id attribute")
)

// Metadata is the subset of an XForm relevant outside of form filling.
type Metadata struct {
	Title   string
	FormID  string
	Version string

	// SubmissionURI is the action of the <submission> element, if any.
	SubmissionURI      string
	BASE64RSAPublicKey string

	// AutoSend and AutoDelete are "true"/"false" when the form overrides
	// the global settings and nil otherwise.
	AutoSend   *string
	AutoDelete *string

	// GeometryXPath is the first geopoint field, used for map display.
	GeometryXPath string

	// RequiredPaths lists fields bound with required="true()".
	RequiredPaths []string

	// BackgroundAudioPath is the field that receives a background recording.
	BackgroundAudioPath string
}

// ParseMetadata reads an XForm definition.
func ParseMetadata(r io.Reader) (*Metadata, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("read xform: %w", err)
	}
	return MetadataFromDocument(doc)
}

// MetadataFromDocument is ParseMetadata for an already parsed document.
func MetadataFromDocument(doc *etree.Document) (*Metadata, error) {
	root := doc.Root()
	if root == nil || root.Tag != "html" {
		return nil, ErrNotXForm
	}
	head := child(root, "head")
	if head == nil {
		return nil, ErrNotXForm
	}
	model := child(head, "model")
	if model == nil {
		return nil, ErrNotXForm
	}

	primary := primaryInstance(model)
	if primary == nil {
		return nil, ErrNoInstance
	}

	md := &Metadata{
		FormID:  primary.SelectAttrValue("id", ""),
		Version: primary.SelectAttrValue("version", ""),
	}
	if md.FormID == "" {
		return nil, ErrMissingFormID
	}
	if t := child(head, "title"); t != nil {
		md.Title = strings.TrimSpace(t.Text())
	}
	if md.Title == "" {
		md.Title = md.FormID
	}

	if sub := child(model, "submission"); sub != nil {
		md.SubmissionURI = strings.TrimSpace(sub.SelectAttrValue("action", ""))
		md.BASE64RSAPublicKey = strings.TrimSpace(sub.SelectAttrValue("base64RsaPublicKey", ""))
		md.AutoSend = boolAttr(sub, "auto-send")
		md.AutoDelete = boolAttr(sub, "auto-delete")
	}

	for _, bind := range model.ChildElements() {
		switch bind.Tag {
		case "bind":
			ref := bind.SelectAttrValue("nodeset", bind.SelectAttrValue("ref", ""))
			if ref == "" {
				continue
			}
			if md.GeometryXPath == "" && bind.SelectAttrValue("type", "") == "geopoint" {
				md.GeometryXPath = ref
			}
			if isTrue(bind.SelectAttrValue("required", "")) {
				md.RequiredPaths = append(md.RequiredPaths, ref)
			}
		case "recordaudio":
			if md.BackgroundAudioPath == "" {
				md.BackgroundAudioPath = bind.SelectAttrValue("ref", "")
			}
		}
	}
	return md, nil
}

// NewInstance returns a blank instance document for the form with a fresh
// uuid instanceID under meta.
func NewInstance(r io.Reader) (*etree.Document, string, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, "", fmt.Errorf("read xform: %w", err)
	}
	if _, err := MetadataFromDocument(doc); err != nil {
		return nil, "", err
	}
	model := child(child(doc.Root(), "head"), "model")
	primary := primaryInstance(model)

	out := etree.NewDocument()
	out.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	out.SetRoot(primary.Copy())

	id := "uuid:" + uuid.NewString()
	SetInstanceID(out, id)
	return out, id, nil
}

// InstanceID returns the text of meta/instanceID, or "".
func InstanceID(doc *etree.Document) string {
	root := doc.Root()
	if root == nil {
		return ""
	}
	if e := root.FindElement("./meta/instanceID"); e != nil {
		return strings.TrimSpace(e.Text())
	}
	return ""
}

// SetInstanceID sets meta/instanceID, creating the elements as needed.
func SetInstanceID(doc *etree.Document, id string) {
	root := doc.Root()
	meta := root.FindElement("./meta")
	if meta == nil {
		meta = root.CreateElement("meta")
	}
	e := meta.FindElement("./instanceID")
	if e == nil {
		e = meta.CreateElement("instanceID")
	}
	e.SetText(id)
}

// Resolve finds the element addressed by an absolute path such as
// /data/group/field in an instance document.
func Resolve(doc *etree.Document, path string) *etree.Element {
	root := doc.Root()
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if root == nil || len(parts) == 0 || local(parts[0]) != root.Tag {
		return nil
	}
	e := root
	for _, p := range parts[1:] {
		e = child(e, local(p))
		if e == nil {
			return nil
		}
	}
	return e
}

func primaryInstance(model *etree.Element) *etree.Element {
	for _, inst := range model.ChildElements() {
		if inst.Tag != "instance" || inst.SelectAttr("id") != nil {
			continue
		}
		if els := inst.ChildElements(); len(els) > 0 {
			return els[0]
		}
	}
	return nil
}

func child(e *etree.Element, tag string) *etree.Element {
	if e == nil {
		return nil
	}
	for _, c := range e.ChildElements() {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

func local(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func boolAttr(e *etree.Element, key string) *string {
	for _, a := range e.Attr {
		if a.Key != key {
			continue
		}
		v := strings.ToLower(strings.TrimSpace(a.Value))
		if v != "true" && v != "false" {
			return nil
		}
		return &v
	}
	return nil
}

func isTrue(expr string) bool {
	switch strings.TrimSpace(expr) {
	case "true()", "true":
		return true
	}
	return false
}
