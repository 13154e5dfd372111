// Package errors provides standardized error handling for the rules engine.
// It includes the error classification used by deployment status tracking,
// standard error variables, and helper functions for consistent error
// wrapping across the system.
package errors

import (
	"errors"
	"fmt"
)

// Class represents the classification of errors for handling purposes.
type Class int

const (
	// ClassTransient represents temporary errors that may be retried.
	ClassTransient Class = iota
	// ClassCompilation represents rule-source compile failures, isolated to
	// one deployment.
	ClassCompilation
	// ClassValidity represents malformed validity-period definitions.
	ClassValidity
	// ClassExecution represents exceptions raised while evaluating or
	// executing a rule; these stop the owning engine.
	ClassExecution
	// ClassLoop represents the per-cycle rule firing ceiling being exceeded.
	ClassLoop
	// ClassConfig represents configuration errors such as unsupported
	// predicate shapes; not recoverable by the caller.
	ClassConfig
)

// String returns the string representation of a Class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassCompilation:
		return "compilation"
	case ClassValidity:
		return "validity"
	case ClassExecution:
		return "execution"
	case ClassLoop:
		return "loop"
	case ClassConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrShuttingDown   = errors.New("shutting down")

	// Connection errors
	ErrNoConnection = errors.New("no connection available")

	// Ruleset and deployment errors
	ErrUnknownLanguage   = errors.New("no compiler registered for language")
	ErrEmptyRuleset      = errors.New("ruleset has no rules")
	ErrRulesetNotFound   = errors.New("ruleset not found")
	ErrDuplicateRuleName = errors.New("duplicate rule name in ruleset")
	ErrRulesLoop         = errors.New("possible rules loop detected")
	ErrCannotStart       = errors.New("deployment cannot be started")

	// Predicate errors
	ErrUnsupportedPredicate = errors.New("unsupported predicate")

	// Storage errors
	ErrKeyNotFound = errors.New("key not found")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification.
type ClassifiedError struct {
	Class     Class
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// ClassOf returns the class of an error, defaulting to ClassTransient for
// unclassified errors so callers may retry.
func ClassOf(err error) Class {
	if err == nil {
		return ClassTransient
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	switch {
	case errors.Is(err, ErrUnknownLanguage), errors.Is(err, ErrEmptyRuleset), errors.Is(err, ErrDuplicateRuleName):
		return ClassCompilation
	case errors.Is(err, ErrRulesLoop):
		return ClassLoop
	case errors.Is(err, ErrUnsupportedPredicate), errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrMissingConfig):
		return ClassConfig
	}
	return ClassTransient
}

// IsCompilation reports whether an error is a rule-source compile failure.
func IsCompilation(err error) bool {
	return err != nil && ClassOf(err) == ClassCompilation
}

// IsLoop reports whether an error is a rules-loop detection.
func IsLoop(err error) bool {
	return err != nil && (errors.Is(err, ErrRulesLoop) || ClassOf(err) == ClassLoop)
}

// IsValidity reports whether an error is a validity-period failure.
func IsValidity(err error) bool {
	return err != nil && ClassOf(err) == ClassValidity
}

// newClassified creates a new classified error. Internal helper, use the
// Wrap* functions instead.
func newClassified(class Class, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapCompilation wraps an error as a compilation failure with context.
func WrapCompilation(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ClassCompilation, wrapped, component, method, wrapped.Error())
}

// WrapValidity wraps an error as a validity-period failure with context.
func WrapValidity(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ClassValidity, wrapped, component, method, wrapped.Error())
}

// WrapExecution wraps an error as a rule execution failure with context.
func WrapExecution(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ClassExecution, wrapped, component, method, wrapped.Error())
}

// WrapConfig wraps an error as a configuration failure with context.
func WrapConfig(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ClassConfig, wrapped, component, method, wrapped.Error())
}
