package multipart

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedHeader        = errors.New("malformed part header")
	ErrHeaderTooLarge         = errors.New("part header block too large")
	ErrUnsupportedContentType = errors.New("missing or unsupported part content type")
	ErrMissingContentID       = errors.New("binary part without Content-ID")
	ErrInvalidDelimiter       = errors.New("invalid boundary delimiter")
	ErrHandler                = errors.New("part handler failed")
)

// ParseError reports where and why a multipart stream was rejected.
type ParseError struct {
	Kind   error
	Offset int64
	Detail string
	Cause  error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("multipart: %v at byte %d", e.Kind, e.Offset)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}
