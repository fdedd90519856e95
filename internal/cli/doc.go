// Package cli implements the collect command line: a cobra command tree over
// an App that wires storage, the OpenRosa transport and the save and submit
// services for one project.
package cli
