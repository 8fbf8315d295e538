package validation

import (
	"fmt"
	"strings"
)

// Violation is one broken business or format rule.
type Violation struct {
	Path    string
	Rule    string
	Value   string
	Message string
}

func (v Violation) String() string {
	if v.Value == "" {
		return fmt.Sprintf("%s: %s", v.Path, v.Message)
	}
	return fmt.Sprintf("%s: %s (value %q)", v.Path, v.Message, v.Value)
}

// ValidationError aggregates every violation found in a payload.
type ValidationError struct {
	Violations []Violation
}

// Error lists all violations so callers can surface them in one message.
func (e *ValidationError) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("validation failed with %d violation(s): %s", len(e.Violations), strings.Join(parts, "; "))
}

func (e *ValidationError) add(path, rule, value, message string) {
	e.Violations = append(e.Violations, Violation{Path: path, Rule: rule, Value: value, Message: message})
}

// Has reports whether a violation with the given rule was recorded.
func (e *ValidationError) Has(rule string) bool {
	for _, v := range e.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

func (e *ValidationError) errOrNil() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}
