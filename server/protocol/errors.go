package protocol

import (
	"errors"
	"strconv"
)

// ErrIncomplete means the buffer holds a valid prefix of a request, read more and retry
var ErrIncomplete = errors.New("incomplete request")

// ParseError is a request the server refuses to process.
// Status is the response code the client gets for it.
type ParseError struct {
	Status int
	Reason string
}

func (e *ParseError) Error() string {
	return "invalid request (" + strconv.Itoa(e.Status) + "): " + e.Reason
}

// helpers for the common statuses
func badRequest(reason string) error {
	return &ParseError{Status: 400, Reason: reason}
}

func tooLarge(status int, reason string) error {
	return &ParseError{Status: status, Reason: reason}
}

// StatusOf returns the response status for a parse error, 400 for anything unknown
func StatusOf(err error) int {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 400
}
