package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrSessionNotFound  = fmt.Errorf("session not found")
	ErrSessionBusy      = fmt.Errorf("session is busy with another turn")
	ErrProductNotFound  = fmt.Errorf("product not found")
	ErrNoValidItems     = fmt.Errorf("no valid items found")
	ErrToolNotFound     = fmt.Errorf("tool not found")
	ErrToolArgument     = fmt.Errorf("invalid tool arguments")
	ErrProviderNotFound = fmt.Errorf("llm provider not found")
	ErrStoreUnavailable = fmt.Errorf("session store unavailable")
	ErrCatalog          = fmt.Errorf("catalog query failed")
	ErrTranscription    = fmt.Errorf("transcription failed")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrDecryption       = fmt.Errorf("decryption failed")

	// Upstream collaborator failures (model, catalog, store).
	ErrUpstream        = fmt.Errorf("upstream failure")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Engine.HandleTurn")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrProviderError) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category surfaced to API clients.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "unknown"
	CodeNotFound         ErrorCode = "not_found"
	CodeTimeout          ErrorCode = "timeout"
	CodeInvalidInput     ErrorCode = "invalid_input"
	CodeSessionNotFound  ErrorCode = "session_not_found"
	CodeSessionBusy      ErrorCode = "session_busy"
	CodeProductNotFound  ErrorCode = "product_not_found"
	CodeNoValidItems     ErrorCode = "no_valid_items"
	CodeToolNotFound     ErrorCode = "tool_not_found"
	CodeToolArgument     ErrorCode = "tool_argument"
	CodeProviderNotFound ErrorCode = "provider_not_found"
	CodeStoreUnavailable ErrorCode = "store_unavailable"
	CodeCatalog          ErrorCode = "catalog_failure"
	CodeTranscription    ErrorCode = "transcription_failure"
	CodeConfigLoad       ErrorCode = "config_load"
	CodeDecryption       ErrorCode = "decryption"
	CodeUpstream         ErrorCode = "upstream_failure"
	CodeContextOverflow  ErrorCode = "context_overflow"
	CodeRateLimit        ErrorCode = "rate_limited"
	CodeAuthInvalid      ErrorCode = "auth_invalid"
	CodeProviderError    ErrorCode = "provider_error"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrTimeout:          CodeTimeout,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,
	ErrSessionNotFound:  CodeSessionNotFound,
	ErrSessionBusy:      CodeSessionBusy,
	ErrProductNotFound:  CodeProductNotFound,
	ErrNoValidItems:     CodeNoValidItems,
	ErrToolNotFound:     CodeToolNotFound,
	ErrToolArgument:     CodeToolArgument,
	ErrProviderNotFound: CodeProviderNotFound,
	ErrStoreUnavailable: CodeStoreUnavailable,
	ErrCatalog:          CodeCatalog,
	ErrTranscription:    CodeTranscription,
	ErrConfigLoad:       CodeConfigLoad,
	ErrDecryption:       CodeDecryption,
	ErrUpstream:         CodeUpstream,
	ErrContextOverflow:  CodeContextOverflow,
	ErrRateLimit:        CodeRateLimit,
	ErrAuthInvalid:      CodeAuthInvalid,
}

// codePriority breaks ties when an error chain matches several sentinels,
// e.g. fmt.Errorf("%w: %w", ErrUpstream, ErrRateLimit) reports rate_limited.
var codePriority = []error{
	ErrSessionNotFound,
	ErrSessionBusy,
	ErrRateLimit,
	ErrAuthInvalid,
	ErrContextOverflow,
	ErrTimeout,
	ErrProviderError,
	ErrStoreUnavailable,
	ErrCatalog,
	ErrTranscription,
	ErrUpstream,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
