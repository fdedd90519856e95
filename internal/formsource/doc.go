// Package formsource discovers forms on an OpenRosa server: it fetches and
// parses the form list and per-form media manifests, and downloads form
// definitions and media files.
package formsource
