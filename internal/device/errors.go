package device

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch failure.
type Kind string

const (
	KindNetwork Kind = "network"
	KindAuth    Kind = "auth"
	KindParse   Kind = "parse"
	KindStatus  Kind = "status"
)

// FetchError is returned by every device call that fails.
type FetchError struct {
	Kind     Kind
	Endpoint string
	Status   int // HTTP status for auth/status kinds
	Err      error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s: %s error: HTTP %d", e.Endpoint, e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s error: %v", e.Endpoint, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s error", e.Endpoint, e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsKind reports whether err wraps a *FetchError of kind k.
func IsKind(err error, k Kind) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == k
}
