package models

import "errors"

type ErrorCode string

const (
	// Auth errors: the participant must re-authenticate.
	ErrorTokenExpired       ErrorCode = "token_expired"
	ErrorInsufficientScope  ErrorCode = "insufficient_scope"
	ErrorInvalidCredentials ErrorCode = "invalid_credentials"

	// Fetch errors: retried with bounded backoff where transient.
	ErrorRateLimited       ErrorCode = "rate_limited"
	ErrorUnreachable       ErrorCode = "unreachable"
	ErrorMalformedResponse ErrorCode = "malformed_response"

	// Evaluation errors: researcher-visible configuration problems.
	ErrorTypeMismatch          ErrorCode = "type_mismatch"
	ErrorUnknownAttribute      ErrorCode = "unknown_attribute"
	ErrorAmbiguousVariableName ErrorCode = "ambiguous_variable_name"

	// Distribution errors.
	ErrorUploadFailed      ErrorCode = "upload_failed"
	ErrorDuplicateKeyRace  ErrorCode = "duplicate_key_race"
	ErrorUnknownRespondent ErrorCode = "unknown_respondent"

	ErrorInvalid  ErrorCode = "invalid"
	ErrorNotFound ErrorCode = "not_found"
)

// EngineError carries a machine-readable code alongside the message so
// the caller can decide retry and surfacing policy.
type EngineError struct {
	Code    ErrorCode
	Message string
}

func (e *EngineError) Error() string { return e.Message }

func NewError(code ErrorCode, msg string) error { return &EngineError{Code: code, Message: msg} }

func NewInvalidError(msg string) error  { return &EngineError{Code: ErrorInvalid, Message: msg} }
func NewNotFoundError(msg string) error { return &EngineError{Code: ErrorNotFound, Message: msg} }

func NewAmbiguousNameError(msg string) error {
	return &EngineError{Code: ErrorAmbiguousVariableName, Message: msg}
}

func NewUploadFailedError(msg string) error {
	return &EngineError{Code: ErrorUploadFailed, Message: msg}
}

// AsEngineError unwraps err to an *EngineError if one is in the chain.
func AsEngineError(err error) (*EngineError, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	if ee, ok := AsEngineError(err); ok {
		return ee.Code == code
	}
	return false
}

// IsAuthError reports whether err means the participant has to
// re-authenticate with the provider.
func IsAuthError(err error) bool {
	ee, ok := AsEngineError(err)
	if !ok {
		return false
	}
	switch ee.Code {
	case ErrorTokenExpired, ErrorInsufficientScope, ErrorInvalidCredentials:
		return true
	}
	return false
}

// IsTransientFetchError reports whether err is worth retrying at the
// fetch layer.
func IsTransientFetchError(err error) bool {
	return HasCode(err, ErrorRateLimited) || HasCode(err, ErrorUnreachable)
}
