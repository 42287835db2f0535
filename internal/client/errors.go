package client

import (
	"errors"
	"fmt"
)

// Class buckets every remote-call failure into the handling policy it gets.
type Class int

const (
	// ClassAuth is a 401/403 or a login-page response. Never retried here;
	// the call-site refreshes the session and retries exactly once.
	ClassAuth Class = iota
	// ClassRateLimited is a 429 that survived the retry budget.
	ClassRateLimited
	// ClassTransient is a 5xx or timeout that survived the retry budget.
	ClassTransient
	// ClassPermanent is any other 4xx; failed immediately, no retry.
	ClassPermanent
	// ClassParse is an unexpected response shape on a JSON endpoint.
	ClassParse
	// ClassPollTimeout is an exhausted polling budget.
	ClassPollTimeout
)

func (c Class) String() string {
	switch c {
	case ClassAuth:
		return "AuthExpired"
	case ClassRateLimited:
		return "RateLimited"
	case ClassTransient:
		return "TransientServer"
	case ClassPermanent:
		return "PermanentClient"
	case ClassParse:
		return "ParseError"
	case ClassPollTimeout:
		return "PollTimeout"
	}
	return "Unknown"
}

// Error is the typed failure for a remote call.
type Error struct {
	Class   Class
	Status  int
	Snippet string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Class.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Snippet != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Snippet)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsClass reports whether err carries the given failure class.
func IsClass(err error, c Class) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class == c
	}
	return false
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return IsClass(err, ClassAuth) }
