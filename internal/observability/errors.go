package observability

import (
	"errors"
	"fmt"
	"slices"
)

// AggregateErrors joins errs, logs them once through logger, and returns the joined
// error. Nil entries are ignored; nil is returned when nothing failed.
func AggregateErrors(logger Logger, operation string, errs []error, fields ...Field) error {
	filtered := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	if logger != nil {
		logFields := append(slices.Clone(fields),
			Field{Key: "operation", Value: operation},
			Field{Key: "error_count", Value: len(filtered)},
			Field{Key: "errors", Value: messages},
		)
		logger.Warn("operation errors", logFields...)
	}
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}
