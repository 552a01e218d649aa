package disclose

import (
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypePath        ErrorType = "path_malformed"
	ErrorTypeConcurrency ErrorType = "concurrency_conflict"
	ErrorTypeDrift       ErrorType = "consistency_drift"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeInternal    ErrorType = "internal"
)

// Error codes consolidated across the submission engines
const (
	// Submission lifecycle errors
	ErrCodeSubmissionNotFound       = "SUBMISSION_NOT_FOUND"
	ErrCodeSubmissionNotEmpty       = "SUBMISSION_NOT_EMPTY"
	ErrCodeSubmissionEmpty          = "SUBMISSION_EMPTY"
	ErrCodeSubmissionAlreadyExists  = "SUBMISSION_ALREADY_EXISTS"
	ErrCodeSubmissionNoDate         = "SUBMISSION_NO_DATE"
	ErrCodePreviousActiveNotFound   = "SUBMISSION_PREVIOUS_ACTIVE_NOT_FOUND"
	ErrCodeActiveNotFound           = "SUBMISSION_ACTIVE_NOT_FOUND"
	ErrCodeRestatementHistoryBroken = "RESTATEMENT_HISTORY_BROKEN"

	// Edit-lock errors
	ErrCodeNotCheckedOut        = "SUBMISSION_NOT_CHECKED_OUT"
	ErrCodeAlreadyCheckedOut    = "SUBMISSION_ALREADY_CHECKED_OUT"
	ErrCodeCheckedOutByOther    = "SUBMISSION_CHECKED_OUT_BY_ANOTHER_USER"
	ErrCodeClearEditModeDenied  = "SUBMISSION_CLEAR_EDIT_MODE_DENIED"
	ErrCodeEditByOtherUser      = "SUBMISSION_EDIT_BY_ANOTHER_USER"
	ErrCodeCheckoutStateUnknown = "SUBMISSION_CHECKOUT_STATE_UNKNOWN"

	// Attribute path errors
	ErrCodePathMalformed     = "PATH_MALFORMED"
	ErrCodePathFormNotFound  = "PATH_FORM_NOT_FOUND"
	ErrCodePathIndexOutRange = "PATH_INDEX_OUT_OF_RANGE"
	ErrCodePathChoiceNoMatch = "PATH_CHOICE_NO_MATCH"
	ErrCodePathRowNotFound   = "PATH_ROW_NOT_FOUND"

	// Schema errors
	ErrCodeSchemaNotFound    = "SCHEMA_NOT_FOUND"
	ErrCodeColumnNotFound    = "COLUMN_NOT_FOUND"
	ErrCodeFormTableNotFound = "FORM_TABLE_NOT_FOUND"
	ErrCodeChoiceNotFound    = "CHOICE_NOT_FOUND"

	// Flattening/validation errors
	ErrCodeValidationFailed     = "VALIDATION_FAILED"
	ErrCodeRequiredFieldMissing = "REQUIRED_FIELD_MISSING"
	ErrCodeTypeMismatch         = "TYPE_MISMATCH"
	ErrCodeInvalidFormat        = "INVALID_FORMAT"
	ErrCodeUnexpectedField      = "UNEXPECTED_FIELD"

	// Aggregate errors
	ErrCodeAggregateDrift = "AGGREGATE_DRIFT"

	// Execution errors
	ErrCodeQueryFailed      = "QUERY_FAILED"
	ErrCodeBatchFailed      = "BATCH_FAILED"
	ErrCodeBatchTimeout     = "BATCH_TIMEOUT"
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// SubmissionError represents unified errors from the submission engines
type SubmissionError struct {
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *SubmissionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s:%s] field '%s': %s", e.Type, e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

func (e *SubmissionError) Unwrap() error {
	return e.Cause
}

// WithCause adds a cause to a SubmissionError
func (e *SubmissionError) WithCause(cause error) *SubmissionError {
	e.Cause = cause
	return e
}

// WithField adds field context to a SubmissionError
func (e *SubmissionError) WithField(field string) *SubmissionError {
	e.Field = field
	return e
}

// WithDetail adds a single detail to a SubmissionError
func (e *SubmissionError) WithDetail(key string, value any) *SubmissionError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ============================================================================
// SubmissionError Constructors
// ============================================================================

// NewSubmissionError creates a new SubmissionError
func NewSubmissionError(errorType ErrorType, code, message string) *SubmissionError {
	return &SubmissionError{
		Type:    errorType,
		Code:    code,
		Message: message,
		Details: make(map[string]any),
	}
}

// NewNotFoundError creates a not-found error naming the missing identifier
func NewNotFoundError(code, message string) *SubmissionError {
	return &SubmissionError{
		Type:    ErrorTypeNotFound,
		Code:    code,
		Message: message,
		Details: make(map[string]any),
	}
}

// NewSubmissionNotFoundError creates a submission not found error
func NewSubmissionNotFoundError(submissionID int) *SubmissionError {
	return &SubmissionError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeSubmissionNotFound,
		Message: fmt.Sprintf("submission not found: %d", submissionID),
		Details: map[string]any{"submission_id": submissionID},
	}
}

// NewPathMalformedError creates a path grammar error; surfaced at parse
// time, never silently defaulted
func NewPathMalformedError(path string) *SubmissionError {
	return &SubmissionError{
		Type:    ErrorTypePath,
		Code:    ErrCodePathMalformed,
		Message: fmt.Sprintf("malformed attribute path: '%s'", path),
		Details: map[string]any{"path": path},
	}
}

// NewPathResolutionError creates a path resolution error of the given code
func NewPathResolutionError(code, message string) *SubmissionError {
	return &SubmissionError{
		Type:    ErrorTypeNotFound,
		Code:    code,
		Message: message,
		Details: make(map[string]any),
	}
}

// NewConstraintError creates a single-field constraint violation
func NewConstraintError(field, message string) *SubmissionError {
	return &SubmissionError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeValidationFailed,
		Message: message,
		Field:   field,
		Details: make(map[string]any),
	}
}

// NewRequiredFieldError creates a missing-required-field violation
func NewRequiredFieldError(field string) *SubmissionError {
	return &SubmissionError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeRequiredFieldMissing,
		Message: fmt.Sprintf("required field '%s' is missing from the submission", field),
		Field:   field,
		Details: make(map[string]any),
	}
}

// NewConcurrencyError creates an edit-lock conflict, distinct from
// not-found so clients can prompt a retry-after-release flow
func NewConcurrencyError(code, message string) *SubmissionError {
	return &SubmissionError{
		Type:    ErrorTypeConcurrency,
		Code:    code,
		Message: message,
		Details: make(map[string]any),
	}
}

// NewDriftError creates a consistency-drift report error
func NewDriftError(submissionID int, differences int) *SubmissionError {
	return &SubmissionError{
		Type:    ErrorTypeDrift,
		Code:    ErrCodeAggregateDrift,
		Message: fmt.Sprintf("aggregate for submission %d diverges from canonical tree (%d differences)", submissionID, differences),
		Details: map[string]any{"submission_id": submissionID, "differences": differences},
	}
}

// NewQueryError creates a query execution error
func NewQueryError(message string, cause error) *SubmissionError {
	return &SubmissionError{
		Type:    ErrorTypeInternal,
		Code:    ErrCodeQueryFailed,
		Message: message,
		Cause:   cause,
		Details: make(map[string]any),
	}
}

// NewBatchTimeoutError creates a batch fetch timeout error
func NewBatchTimeoutError(message string) *SubmissionError {
	return &SubmissionError{
		Type:    ErrorTypeTimeout,
		Code:    ErrCodeBatchTimeout,
		Message: message,
		Details: make(map[string]any),
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *SubmissionError {
	return &SubmissionError{
		Type:    ErrorTypeInternal,
		Code:    ErrCodeInternalError,
		Message: message,
		Cause:   cause,
		Details: make(map[string]any),
	}
}

// NewSchemaNotFoundError creates a schema not found error
func NewSchemaNotFoundError(name string) *SubmissionError {
	return &SubmissionError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeSchemaNotFound,
		Message: fmt.Sprintf("schema '%s' not found", name),
		Details: map[string]any{"schema_name": name},
	}
}

// NewColumnNotFoundError creates a column definition not found error
func NewColumnNotFoundError(name string) *SubmissionError {
	return &SubmissionError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeColumnNotFound,
		Message: fmt.Sprintf("no column definition found for attribute '%s'", name),
		Details: map[string]any{"attribute": name},
	}
}

// ============================================================================
// ValidationErrors Type and Constructors
// ============================================================================

// ValidationErrors collects per-field constraint violations so a single
// flattening pass can report every violation rather than only the first
type ValidationErrors struct {
	Errors []*SubmissionError `json:"errors"`
}

// Error implements the error interface for ValidationErrors
func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return "no validation errors"
	}
	if len(ve.Errors) == 1 {
		return ve.Errors[0].Error()
	}
	return fmt.Sprintf("multiple validation errors: %d errors found", len(ve.Errors))
}

// Add adds a new error to the collection
func (ve *ValidationErrors) Add(err *SubmissionError) {
	ve.Errors = append(ve.Errors, err)
}

// HasErrors returns true if there are any errors
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// ToError returns the ValidationErrors as an error if there are any errors, nil otherwise
func (ve *ValidationErrors) ToError() error {
	if ve.HasErrors() {
		return ve
	}
	return nil
}

// NewValidationErrors creates a new ValidationErrors instance
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors: make([]*SubmissionError, 0),
	}
}

// ============================================================================
// Error checking utilities
// ============================================================================

// IsNotFoundError checks if an error is a not-found error
func IsNotFoundError(err error) bool {
	if se, ok := err.(*SubmissionError); ok {
		return se.Type == ErrorTypeNotFound
	}
	return false
}

// IsPathError checks if an error is a path grammar error
func IsPathError(err error) bool {
	if se, ok := err.(*SubmissionError); ok {
		return se.Type == ErrorTypePath
	}
	return false
}

// IsValidationError checks if an error is a constraint violation
func IsValidationError(err error) bool {
	if se, ok := err.(*SubmissionError); ok {
		return se.Type == ErrorTypeValidation
	}
	if _, ok := err.(*ValidationErrors); ok {
		return true
	}
	return false
}

// IsConcurrencyError checks if an error is an edit-lock conflict
func IsConcurrencyError(err error) bool {
	if se, ok := err.(*SubmissionError); ok {
		return se.Type == ErrorTypeConcurrency
	}
	return false
}

// IsTimeoutError checks if an error is a timeout error
func IsTimeoutError(err error) bool {
	if se, ok := err.(*SubmissionError); ok {
		return se.Type == ErrorTypeTimeout
	}
	return false
}
