// Package forms provides the persistence layer for downloaded form
// definitions.
//
// Form file and media paths are stored relative to the project's forms
// directory. Several rows may share a (form id, version) pair; the save and
// submit pipeline links instances to the latest one.
package forms
