package parser

import (
	"errors"
	"fmt"
)

// ErrParse is matched by every ParseError.
var ErrParse = errors.New("unparseable syslog payload")

// ParseError is returned for payloads too malformed to retain even with
// best-effort extraction.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s", e.Reason)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}
