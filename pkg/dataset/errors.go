package dataset

import (
	"errors"
	"fmt"
)

var (
	// ErrValidationFailed marks archives that violate an upload policy
	ErrValidationFailed = errors.New("dataset validation failed")
	// ErrExtractionFailed marks archives that are corrupt or cannot be written out
	ErrExtractionFailed = errors.New("failed to extract dataset")
)

// Rules identify which check rejected an archive.
const (
	RuleEntryCount = "entry_count"
	RuleTotalSize  = "total_size"
	RuleAbsolute   = "absolute_path"
	RuleTraversal  = "traversal"
	RuleNameLength = "name_length"
	RuleEmptyName  = "empty_name"
	RuleSymlink    = "symlink"
	RuleManifest   = "manifest"
	RuleUpload     = "upload_size"
	RuleCorrupt    = "corrupt"
	RuleWrite      = "write"
)

// Error is a classified dataset failure. Kind is ErrValidationFailed or
// ErrExtractionFailed so callers can use errors.Is.
type Error struct {
	Kind   error
	Rule   string
	Reason string
}

func (e *Error) Error() string {
	return e.Kind.Error() + ": " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func validationError(rule, format string, args ...interface{}) error {
	return &Error{Kind: ErrValidationFailed, Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

func extractionError(rule, format string, args ...interface{}) error {
	return &Error{Kind: ErrExtractionFailed, Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// NewValidationError builds a policy violation raised outside the archive checks,
// such as an oversized upload.
func NewValidationError(rule, reason string) error {
	return &Error{Kind: ErrValidationFailed, Rule: rule, Reason: reason}
}

// NewExtractionError builds a malformed-input failure raised outside the archive checks,
// such as undecodable base64.
func NewExtractionError(rule, reason string) error {
	return &Error{Kind: ErrExtractionFailed, Rule: rule, Reason: reason}
}

// RuleOf returns the rule that rejected err, or "" if err is not a dataset error
func RuleOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Rule
	}
	return ""
}
