package usecase

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"floorbot/internal/domain"
)

// ErrorCategory tells the engine whether a failed model call may be retried.
type ErrorCategory int

const (
	ErrorCategoryUnknown ErrorCategory = iota
	ErrorCategoryRetryable
	ErrorCategoryPermanent
)

// ClassifiedError is the classifier's verdict for one error.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error // domain sentinel the error maps to, if any
	StatusCode int   // HTTP status found in the message, 0 if none
}

// ErrorClassifier sorts model-call errors into retryable and permanent.
// Wrapped domain sentinels win; otherwise an "API error NNN:" status in the
// message decides, then well-known message fragments.
type ErrorClassifier struct{}

// NewErrorClassifier creates a classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

type sentinelRule struct {
	sentinel error
	category ErrorCategory
}

// Order matters: the first sentinel found in the chain decides.
var sentinelRules = []sentinelRule{
	{domain.ErrRateLimit, ErrorCategoryRetryable},
	{domain.ErrContextOverflow, ErrorCategoryRetryable},
	{domain.ErrAuthInvalid, ErrorCategoryPermanent},
	{domain.ErrTimeout, ErrorCategoryRetryable},
	{domain.ErrProviderError, ErrorCategoryRetryable},
	{domain.ErrUpstream, ErrorCategoryPermanent},
}

type phraseRule struct {
	phrases  []string
	sentinel error
}

var phraseRules = []phraseRule{
	{[]string{"rate limit", "too many requests"}, domain.ErrRateLimit},
	{[]string{"context length", "token limit", "maximum context"}, domain.ErrContextOverflow},
	{[]string{"connection refused", "connection reset", "no such host", "timeout", "deadline exceeded"}, nil},
}

// overflowHints mark a 400 response as a context-length rejection.
var overflowHints = []string{"context", "token", "length", "too long", "maximum"}

var apiStatusPattern = regexp.MustCompile(`API error (\d+):`)

// Classify inspects err, typically returned by an LLM provider.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}
	for _, r := range sentinelRules {
		if errors.Is(err, r.sentinel) {
			return ClassifiedError{Original: err, Category: r.category, Sentinel: r.sentinel}
		}
	}

	msg := strings.ToLower(err.Error())
	if m := apiStatusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		out := classifyStatus(code, msg)
		out.Original, out.StatusCode = err, code
		return out
	}

	for _, r := range phraseRules {
		if containsAny(msg, r.phrases) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: r.sentinel}
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}

// Retryable reports whether a model call that failed with err may be retried.
func (c *ErrorClassifier) Retryable(err error) bool {
	return c.Classify(err).Category == ErrorCategoryRetryable
}

func classifyStatus(code int, body string) ClassifiedError {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassifiedError{Category: ErrorCategoryRetryable, Sentinel: domain.ErrRateLimit}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ClassifiedError{Category: ErrorCategoryPermanent, Sentinel: domain.ErrAuthInvalid}
	case code == http.StatusRequestEntityTooLarge:
		return ClassifiedError{Category: ErrorCategoryRetryable, Sentinel: domain.ErrContextOverflow}
	case code == http.StatusBadRequest && containsAny(body, overflowHints):
		return ClassifiedError{Category: ErrorCategoryRetryable, Sentinel: domain.ErrContextOverflow}
	case code >= 500 && code < 600:
		return ClassifiedError{Category: ErrorCategoryRetryable}
	default:
		return ClassifiedError{Category: ErrorCategoryPermanent}
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
