// Package errors provides the error taxonomy of the application queue and its
// mapping onto HTTP responses and BPMN job errors.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the coarse category a caller branches on.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeNotesTooLong     ErrorCode = "NOTES_TOO_LONG"

	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidApplicant ErrorCode = "INVALID_APPLICANT"
	ErrCodeOwnListing       ErrorCode = "OWN_LISTING"

	ErrCodeAlreadyApplied ErrorCode = "ALREADY_APPLIED"
	ErrCodeNotPending     ErrorCode = "NOT_PENDING"
	ErrCodeListingFilled  ErrorCode = "LISTING_FILLED"
	ErrCodeNotAccepted    ErrorCode = "NOT_ACCEPTED"

	ErrCodeApplicationNotFound ErrorCode = "APPLICATION_NOT_FOUND"
	ErrCodeListingNotFound     ErrorCode = "LISTING_NOT_FOUND"

	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeTransactionAborted       ErrorCode = "TRANSACTION_ABORTED"
	ErrCodeGateUnavailable          ErrorCode = "AUTHORIZATION_GATE_UNAVAILABLE"
	ErrCodeChatRoomFailed           ErrorCode = "CHAT_ROOM_FAILED"
	ErrCodeNotificationSendFailed   ErrorCode = "NOTIFICATION_SEND_FAILED"
	ErrCodeInternal                 ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Kind      Kind                   `json:"kind"`
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s[%s]: %s (%s)", e.Kind, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *StandardError) Unwrap() error { return e.cause }

// Is matches another *StandardError by code, so errors.Is(err, ErrNotPending) works.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMetadata returns a copy with the key set.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	cp := *e
	cp.Metadata = make(map[string]interface{}, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metadata[key] = value
	return &cp
}

// Sentinels for errors.Is comparisons.
var (
	ErrAlreadyApplied      = &StandardError{Kind: KindConflict, Code: ErrCodeAlreadyApplied}
	ErrNotPending          = &StandardError{Kind: KindConflict, Code: ErrCodeNotPending}
	ErrListingFilled       = &StandardError{Kind: KindConflict, Code: ErrCodeListingFilled}
	ErrApplicationNotFound = &StandardError{Kind: KindNotFound, Code: ErrCodeApplicationNotFound}
	ErrListingNotFound     = &StandardError{Kind: KindNotFound, Code: ErrCodeListingNotFound}
	ErrUnauthorized        = &StandardError{Kind: KindAuthorization, Code: ErrCodeUnauthorized}
)

func newError(kind Kind, code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

// ==========================
// Validation
// ==========================

func NewValidationError(details string) *StandardError {
	return newError(KindValidation, ErrCodeValidationFailed, "Invalid request", details, false, nil)
}

func NewNotesTooLongError(length, max int) *StandardError {
	return newError(KindValidation, ErrCodeNotesTooLong, "Notes exceed the maximum length",
		fmt.Sprintf("length %d, max %d", length, max), false, nil)
}

// ==========================
// Authorization
// ==========================

func NewUnauthorizedError(details string) *StandardError {
	return newError(KindAuthorization, ErrCodeUnauthorized, "You are not allowed to do that", details, false, nil)
}

func NewInvalidApplicantError(applicantID string) *StandardError {
	return newError(KindAuthorization, ErrCodeInvalidApplicant, "Caller is not a valid applicant",
		fmt.Sprintf("applicantId: %s", applicantID), false, nil)
}

func NewOwnListingError(listingID string) *StandardError {
	return newError(KindAuthorization, ErrCodeOwnListing, "Owners cannot apply to their own listing",
		fmt.Sprintf("listingId: %s", listingID), false, nil)
}

// ==========================
// Conflict
// ==========================

func NewAlreadyAppliedError(listingID, applicantID string) *StandardError {
	return newError(KindConflict, ErrCodeAlreadyApplied, "An active application already exists for this listing",
		fmt.Sprintf("listingId: %s, applicantId: %s", listingID, applicantID), false, nil)
}

func NewNotPendingError(applicationID, status string) *StandardError {
	return newError(KindConflict, ErrCodeNotPending, "Application is no longer pending",
		fmt.Sprintf("applicationId: %s, status: %s", applicationID, status), false, nil)
}

func NewListingFilledError(listingID string) *StandardError {
	return newError(KindConflict, ErrCodeListingFilled, "Someone already filled this spot",
		fmt.Sprintf("listingId: %s", listingID), false, nil)
}

func NewNotAcceptedError(applicationID, status string) *StandardError {
	return newError(KindConflict, ErrCodeNotAccepted, "Application has not been accepted",
		fmt.Sprintf("applicationId: %s, status: %s", applicationID, status), false, nil)
}

// ==========================
// Not found
// ==========================

func NewApplicationNotFoundError(applicationID string) *StandardError {
	return newError(KindNotFound, ErrCodeApplicationNotFound, "Application not found",
		fmt.Sprintf("applicationId: %s", applicationID), false, nil)
}

func NewListingNotFoundError(listingID string) *StandardError {
	return newError(KindNotFound, ErrCodeListingNotFound, "Listing not found",
		fmt.Sprintf("listingId: %s", listingID), false, nil)
}

// ==========================
// Internal
// ==========================

func NewDatabaseConnectionFailedError(err error) *StandardError {
	return newError(KindInternal, ErrCodeDatabaseConnectionFailed, "Database connection error", err.Error(), true, err)
}

func NewQueryExecutionFailedError(op string, err error) *StandardError {
	return newError(KindInternal, ErrCodeQueryExecutionFailed, "Database query execution error",
		fmt.Sprintf("op: %s, error: %s", op, err.Error()), true, err)
}

func NewTransactionAbortedError(attempts int, err error) *StandardError {
	return newError(KindInternal, ErrCodeTransactionAborted, "Transaction could not be serialized",
		fmt.Sprintf("attempts: %d, error: %s", attempts, err.Error()), true, err)
}

func NewGateUnavailableError(err error) *StandardError {
	return newError(KindInternal, ErrCodeGateUnavailable, "Authorization gate unavailable", err.Error(), true, err)
}

func NewChatRoomFailedError(applicationID string, err error) *StandardError {
	return newError(KindInternal, ErrCodeChatRoomFailed, "Chat room could not be provisioned",
		fmt.Sprintf("applicationId: %s, error: %s", applicationID, err.Error()), true, err)
}

func NewNotificationSendFailedError(notificationType string, err error) *StandardError {
	return newError(KindInternal, ErrCodeNotificationSendFailed, "Notification send failed",
		fmt.Sprintf("type: %s, error: %s", notificationType, err.Error()), true, err)
}

func NewInternalError(err error) *StandardError {
	return newError(KindInternal, ErrCodeInternal, "Unexpected error", err.Error(), false, err)
}

// ==========================
// Inspection
// ==========================

// AsStandard extracts a *StandardError from the chain, wrapping unknown errors as internal.
func AsStandard(err error) *StandardError {
	if err == nil {
		return nil
	}
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	return NewInternalError(err)
}

// KindOf returns the Kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return AsStandard(err).Kind
}

func IsConflict(err error) bool      { return KindOf(err) == KindConflict }
func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }
func IsAuthorization(err error) bool { return KindOf(err) == KindAuthorization }
func IsValidation(err error) bool    { return KindOf(err) == KindValidation }

// HTTPStatus maps an error onto the response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case "":
		return http.StatusOK
	default:
		if AsStandard(err).Retryable {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

// ==========================
// BPMN integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// GetRetryCount returns how many times a job failing with code should be retried.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabaseConnectionFailed,
		ErrCodeQueryExecutionFailed,
		ErrCodeTransactionAborted,
		ErrCodeGateUnavailable,
		ErrCodeNotificationSendFailed:
		return 3
	case ErrCodeChatRoomFailed:
		return 5
	default:
		return 0 // business errors are thrown, never retried
	}
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      string(stdErr.Code),
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"errorKind": string(stdErr.Kind),
			"timestamp": stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}
