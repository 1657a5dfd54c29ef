package tgsearch

import (
	"errors"
	"fmt"
)

// Stable machine-readable error codes. Presentation layers translate these
// into user-facing text and must not depend on anything else in the error.
const (
	CodeVersionConflict       = "config_version_conflict"
	CodeSchemaCorrupt         = "config_schema_corrupt"
	CodeInvalidPatch          = "config_invalid_patch"
	CodeAPIOnlyMode           = "runtime_api_only_mode"
	CodeStartFailed           = "runtime_start_failed"
	CodeStopFailed            = "runtime_stop_failed"
	CodeCleanupFailed         = "runtime_cleanup_failed"
	CodePaginationInvalid     = "search_pagination_invalid"
	CodeInvalidPage           = "search_invalid_page"
	CodeInvalidPageSize       = "search_invalid_page_size"
	CodePolicyInvalidIDs      = "policy_invalid_ids"
	CodePolicyVersionConflict = "policy_version_conflict"
	CodePolicyUnavailable     = "policy_store_unavailable"
	CodeDialogNotSynced       = "dialog_not_synced"
	CodeInvalidSyncState      = "dialog_invalid_sync_state"
)

// DomainError is a structured error returned by the service layer.
// Code is stable; Message is a short human description; Detail and Err
// carry the underlying cause when there is one.
type DomainError struct {
	Code    string
	Message string
	Detail  string
	Err     error
}

// NewDomainError creates a DomainError without a cause.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// WrapDomainError creates a DomainError with err attached as its cause.
func WrapDomainError(code, message string, err error) *DomainError {
	de := &DomainError{Code: code, Message: message, Err: err}
	if err != nil {
		de.Detail = err.Error()
	}
	return de
}

func (e *DomainError) Error() string {
	if e.Detail == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

func (e *DomainError) Unwrap() error { return e.Err }

// Is matches any DomainError carrying the same code, so sentinels below
// work with errors.Is regardless of message or cause.
func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrVersionConflict   = NewDomainError(CodeVersionConflict, "config version conflict")
	ErrAPIOnlyMode       = NewDomainError(CodeAPIOnlyMode, "cannot start runtime task in API-only mode")
	ErrStartFailed       = NewDomainError(CodeStartFailed, "failed to start runtime task")
	ErrStopFailed        = NewDomainError(CodeStopFailed, "failed to stop runtime task")
	ErrCleanupFailed     = NewDomainError(CodeCleanupFailed, "runtime cleanup failed")
	ErrPaginationInvalid = NewDomainError(CodePaginationInvalid, "invalid pagination payload")
	ErrDialogNotSynced   = NewDomainError(CodeDialogNotSynced, "dialog is not in the sync list")
)

// ErrDownloadPaused is returned by a download primitive when its state
// checker reports that the dialog is no longer active. It is a stop signal,
// not a failure.
var ErrDownloadPaused = errors.New("download paused")

// ErrorCode returns the code of the first DomainError in err's chain,
// or "" if there is none.
func ErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
