package upload

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Generic Kind = iota
	AuthRequired
)

// Error is returned by UploadOne. Message is meant for the user.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsAuthRequired reports whether the destination asked for credentials.
func IsAuthRequired(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == AuthRequired
}

// Message returns the user-facing text of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
