package submit

import (
	"errors"
	"fmt"
)

type Kind int

const (
	NothingToSubmit Kind = iota
	GoogleAccountNotSet
	GoogleAccountNotPermitted
)

func (k Kind) String() string {
	switch k {
	case GoogleAccountNotSet:
		return "google_account_not_set"
	case GoogleAccountNotPermitted:
		return "google_account_not_permitted"
	default:
		return "nothing_to_submit"
	}
}

// Error aborts a whole batch before any instance is sent.
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

func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// ErrBusy is returned by Sender when another batch holds the lock.
var ErrBusy = errors.New("another send or delete is in progress")
