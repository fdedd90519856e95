package formsource

import (
	"errors"
	"fmt"

	"github.com/getodk/collect-sub021/internal/openrosa"
)

type Kind int

const (
	FetchError Kind = iota
	AuthRequired
	UnknownHost
	ParseError
	LegacyParseError
	ServerNotOpenRosa
)

func (k Kind) String() string {
	switch k {
	case AuthRequired:
		return "auth_required"
	case UnknownHost:
		return "unknown_host"
	case ParseError:
		return "parse_error"
	case LegacyParseError:
		return "legacy_parse_error"
	case ServerNotOpenRosa:
		return "server_not_openrosa"
	default:
		return "fetch_error"
	}
}

// Error is the only error type returned by this package.
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

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func fromTransport(uri string, err error) error {
	var te *openrosa.Error
	if !errors.As(err, &te) {
		return &Error{Kind: FetchError, Message: "fetching " + uri, Err: err}
	}
	switch te.Kind {
	case openrosa.KindAuthRequired:
		return &Error{Kind: AuthRequired, Message: "server requires authentication", Err: err}
	case openrosa.KindUnknownHost:
		return &Error{Kind: UnknownHost, Message: "server could not be reached", Err: err}
	default:
		return &Error{Kind: FetchError, Message: "fetching " + uri, Err: err}
	}
}
