// Package coreerr defines the coded errors shared by every orchestrator
// component. A single error kind carries a stable machine-readable code,
// an optional JSON-pointer or file path, and structured details; the CLI
// maps code classes to exit codes.
package coreerr

import (
	"errors"
	"fmt"
)

// Usage codes.
const (
	CodeInvalidArgs           = "INVALID_ARGS"
	CodeDisabled              = "DISABLED"
	CodeAlreadyExistsConflict = "ALREADY_EXISTS_CONFLICT"
)

// State and integrity codes.
const (
	CodeInvalidState           = "INVALID_STATE"
	CodeRevisionMismatch       = "REVISION_MISMATCH"
	CodeImmutableField         = "IMMUTABLE_FIELD"
	CodeLifecycleRuleViolation = "LIFECYCLE_RULE_VIOLATION"
)

// Schema codes.
const (
	CodeSchemaValidationFailed = "SCHEMA_VALIDATION_FAILED"
	CodeInvalidJSON            = "INVALID_JSON"
	CodeInvalidJSONL           = "INVALID_JSONL"
)

// Artifact codes.
const (
	CodeNotFound               = "NOT_FOUND"
	CodeMissingArtifact        = "MISSING_ARTIFACT"
	CodeMissingRequiredSection = "MISSING_REQUIRED_SECTION"
	CodeMalformedSources       = "MALFORMED_SOURCES"
	CodeTooManyWords           = "TOO_MANY_WORDS"
	CodeTooManySources         = "TOO_MANY_SOURCES"
	CodeRawURLNotAllowed       = "RAW_URL_NOT_ALLOWED"
	CodeUnknownCID             = "UNKNOWN_CID"
)

// Gating codes.
const (
	CodeGateBlocked             = "GATE_BLOCKED"
	CodeRequestedNextNotAllowed = "REQUESTED_NEXT_NOT_ALLOWED"
	CodeRetryExhausted          = "RETRY_EXHAUSTED"
	CodeSizeCapExceeded         = "SIZE_CAP_EXCEEDED"
)

// Agent seam codes.
const (
	CodeRunAgentRequired      = "RUN_AGENT_REQUIRED"
	CodeWave1NotValidated     = "WAVE1_NOT_VALIDATED"
	CodeWave1ContractNotMet   = "WAVE1_CONTRACT_NOT_MET"
	CodeMismatchedPerspective = "MISMATCHED_PERSPECTIVE_ID"
)

// Citation codes.
const (
	CodeBundleInvalid  = "BUNDLE_INVALID"
	CodeNoValidBundles = "NO_VALID_BUNDLES"
)

// IO and lock codes.
const (
	CodeWriteFailed        = "WRITE_FAILED"
	CodePathNotWritable    = "PATH_NOT_WRITABLE"
	CodePathEscapesRunRoot = "PATH_ESCAPES_RUN_ROOT"
	CodeStageMismatch      = "STAGE_MISMATCH"
	CodeLockHeld           = "LOCK_HELD"
)

// Error is the one coded error type used across the orchestrator core.
type Error struct {
	Code    string
	Message string

	// Path locates the failure: a JSON pointer for schema errors, a
	// filesystem path for IO errors. Optional.
	Path string

	// Details carries structured context for --json output. Optional.
	Details map[string]any

	cause error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (at %s)", e.Code, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a coded error.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error around a cause.
func Wrap(code string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// At returns a copy of the error annotated with a location.
func (e *Error) At(path string) *Error {
	cp := *e
	cp.Path = path
	return &cp
}

// WithDetail returns a copy of the error with one detail field set.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// CodeOf returns the code carried by err, or "" when err is not coded.
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// AsError returns the coded error inside err, or nil.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// ExitCode maps an error to the CLI exit code contract: 0 success,
// 2 typed block, 3 schema/validation, 4 IO/lock/write, 1 generic.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch CodeOf(err) {
	case CodeRunAgentRequired, CodeGateBlocked, CodeMissingArtifact,
		CodeRetryExhausted, CodeRequestedNextNotAllowed, CodeWave1NotValidated,
		CodeWave1ContractNotMet:
		return 2
	case CodeSchemaValidationFailed, CodeInvalidJSON, CodeInvalidJSONL,
		CodeImmutableField, CodeLifecycleRuleViolation, CodeInvalidState,
		CodeStageMismatch, CodeMismatchedPerspective:
		return 3
	case CodeWriteFailed, CodePathNotWritable, CodePathEscapesRunRoot,
		CodeRevisionMismatch, CodeNotFound, CodeLockHeld:
		return 4
	default:
		return 1
	}
}
