package acl

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes as constants
const (
	ErrCodeParse                 = "PARSE_ERROR"
	ErrCodeConnectionFailed      = "CONNECTION_FAILED"
	ErrCodeSendFailure           = "SEND_FAILURE"
	ErrCodeAttachmentUnavailable = "ATTACHMENT_UNAVAILABLE"
	ErrCodeOverrun               = "OVERRUN"
	ErrCodeNotConnected          = "NOT_CONNECTED"
	ErrCodeAuthFailed            = "AUTH_FAILED"
	ErrCodeConfigInvalid         = "CONFIG_INVALID"
	ErrCodeAlreadyConnected      = "ALREADY_CONNECTED"
	ErrCodeTimeout               = "TIMEOUT_ERROR"
	ErrCodeTokenGeneration       = "TOKEN_GENERATION_FAILED"
	ErrCodeTokenDecode           = "TOKEN_DECODE_FAILED"
)

// ACLError is the coded error reported to ErrorHandlers.
type ACLError struct {
	Message   string
	Code      string
	Details   map[string]interface{}
	Timestamp time.Time
	err       error
}

func NewACLError(message, code string) *ACLError {
	return &ACLError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// WrapError wraps err with a code. It returns nil for a nil err.
func WrapError(err error, code string) *ACLError {
	if err == nil {
		return nil
	}
	e := NewACLError(err.Error(), code)
	e.err = err
	return e
}

func (e *ACLError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s (%s)", e.Message, e.Code))
	if len(e.Details) > 0 {
		sb.WriteString(":")
		for k, v := range e.Details {
			sb.WriteString(fmt.Sprintf(" %s=%v", k, v))
		}
	}
	return sb.String()
}

func (e *ACLError) Unwrap() error { return e.err }

// AddDetail attaches a key/value pair and returns e for chaining.
func (e *ACLError) AddDetail(key string, value interface{}) *ACLError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *ACLError) GetDetail(key string) (interface{}, bool) {
	if e.Details == nil {
		return nil, false
	}
	value, exists := e.Details[key]
	return value, exists
}

func NewConnectionError(message string) *ACLError {
	return NewACLError(message, ErrCodeConnectionFailed)
}

func NewParseError(err error) *ACLError {
	return WrapError(err, ErrCodeParse)
}

func NewAuthError(message string) *ACLError {
	return NewACLError(message, ErrCodeAuthFailed)
}

func NewConfigError(message string) *ACLError {
	return NewACLError(message, ErrCodeConfigInvalid)
}

func NewTimeoutError(message string) *ACLError {
	return NewACLError(message, ErrCodeTimeout)
}

func NewNotConnectedError(message string) *ACLError {
	return NewACLError(message, ErrCodeNotConnected)
}

// IsErrorCode reports whether err is an *ACLError with the given code.
func IsErrorCode(err error, code string) bool {
	var aclErr *ACLError
	if !errors.As(err, &aclErr) {
		return false
	}
	return aclErr.Code == code
}

// IsRetryableError reports whether the failure is worth another connection attempt.
func IsRetryableError(err error) bool {
	var aclErr *ACLError
	if !errors.As(err, &aclErr) {
		return false
	}
	switch aclErr.Code {
	case ErrCodeConnectionFailed, ErrCodeTimeout, ErrCodeParse, ErrCodeNotConnected:
		return true
	}
	return false
}

// IsCriticalError reports whether the failure needs operator attention.
func IsCriticalError(err error) bool {
	var aclErr *ACLError
	if !errors.As(err, &aclErr) {
		return false
	}
	switch aclErr.Code {
	case ErrCodeAuthFailed, ErrCodeConfigInvalid, ErrCodeTokenGeneration:
		return true
	}
	return false
}
