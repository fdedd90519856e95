package openrosa

import (
	"errors"
	"fmt"
	"net"
)

// Kind classifies transport failures.
type Kind int

const (
	KindFetch Kind = iota
	KindAuthRequired
	KindUnknownHost
	KindContentType
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindAuthRequired:
		return "auth_required"
	case KindUnknownHost:
		return "unknown_host"
	case KindContentType:
		return "content_type"
	case KindIO:
		return "io"
	default:
		return "fetch"
	}
}

// Error is returned for every failed request. Callers never see raw
// net/http errors.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Err        error
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

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func transportError(uri string, err error) *Error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindUnknownHost, Message: "unknown host " + dnsErr.Name, Err: err}
	}
	return &Error{Kind: KindFetch, Message: "request to " + uri + " failed", Err: err}
}
