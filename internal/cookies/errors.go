package cookies

import (
	"errors"
	"fmt"
)

// ErrorKind classifies service failures for the transport layer.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindExpired    ErrorKind = "expired"
	KindIntegrity  ErrorKind = "integrity"
	KindStore      ErrorKind = "store"
	KindCache      ErrorKind = "cache"
	KindEncoding   ErrorKind = "encoding"
	KindInternal   ErrorKind = "internal"
)

var (
	// ErrValidation marks a missing or empty required input.
	ErrValidation = errors.New("cookies: validation failed")
	// ErrNotFound marks the absence of an active record for the user.
	ErrNotFound = errors.New("cookies: record not found")
	// ErrExpired marks a record that exists but is past its expiry.
	ErrExpired = errors.New("cookies: record expired")
	// ErrIntegrity marks an authenticated-decryption failure.
	ErrIntegrity = errors.New("cookies: payload integrity check failed")
	// ErrStore marks a durable store failure.
	ErrStore = errors.New("cookies: store unavailable")
	// ErrCache marks a cache failure.
	ErrCache = errors.New("cookies: cache unavailable")
	// ErrEncoding marks a payload that could not be sealed.
	ErrEncoding = errors.New("cookies: payload encoding failed")

	// ErrRecordNotFound is returned by RecordStore lookups that match no active record.
	ErrRecordNotFound = errors.New("cookies: no active record")

	kindSentinels = map[ErrorKind]error{
		KindValidation: ErrValidation,
		KindNotFound:   ErrNotFound,
		KindExpired:    ErrExpired,
		KindIntegrity:  ErrIntegrity,
		KindStore:      ErrStore,
		KindCache:      ErrCache,
		KindEncoding:   ErrEncoding,
	}
)

// ServiceError carries a dotted operation.reason code and an ErrorKind.
type ServiceError struct {
	code string
	kind ErrorKind
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if sentinel, ok := kindSentinels[e.kind]; ok {
		unwrapped = append(unwrapped, sentinel)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

// Code returns the dotted operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the error classification.
func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

func newServiceError(operation, reason string, kind ErrorKind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

// KindOf extracts the ErrorKind of err, or KindInternal when err is not a ServiceError.
func KindOf(err error) ErrorKind {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	return KindInternal
}
