package store

import (
	"errors"
	"regexp"
)

// Sentinel errors shared by every store implementation. Facade calls wrap
// them with an operation prefix; callers test with errors.Is.
var (
	ErrInvalidQueueName = errors.New("invalid queue name: must be alphanumeric/underscore and not start with a digit")
	ErrMissingSubject   = errors.New("a document subject is required")
	ErrMissingMessage   = errors.New("a log message is required")
	ErrQueueNotFound    = errors.New("queue not found")
	ErrClosed           = errors.New("store is closed")
)

var queueNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateQueueName rejects names that cannot be used as identifiers in the
// backing schema. Validation errors never reach the store.
func ValidateQueueName(name string) error {
	if !queueNameRe.MatchString(name) {
		return ErrInvalidQueueName
	}
	return nil
}
