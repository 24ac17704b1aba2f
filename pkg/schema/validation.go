package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity separates blocking problems from advisories.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// maxListedIssues caps how many errors ToError spells out in its message.
const maxListedIssues = 3

// ValidationIssue locates one problem in a workflow or pipeline definition.
// Path uses the definition's field names, e.g. steps[2].next.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues found by the structural, semantic
// and graph passes over a definition.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no errors were found. Warnings never block.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil for a valid result. Otherwise it returns a FlowError
// whose code is the errors' shared code (VALIDATION_ERROR when they differ)
// and whose message lists the first few issues.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	code := r.Errors[0].Code
	for _, issue := range r.Errors[1:] {
		if issue.Code != code {
			code = ErrCodeValidation
			break
		}
	}
	if code == "" {
		code = ErrCodeValidation
	}

	listed := r.Errors
	if len(listed) > maxListedIssues {
		listed = listed[:maxListedIssues]
	}
	parts := make([]string, len(listed))
	for i, issue := range listed {
		parts[i] = issue.String()
	}
	msg := strings.Join(parts, "; ")
	if extra := len(r.Errors) - len(listed); extra > 0 {
		msg = fmt.Sprintf("%s (and %d more)", msg, extra)
	}

	return NewError(code, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
