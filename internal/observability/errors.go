package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errs into one error prefixed by operation and logs them once.
// It returns nil when every error is nil.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	var failures []error
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	joined := errors.Join(failures...)
	logged := make([]Field, 0, len(fields)+3)
	logged = append(logged, fields...)
	logged = append(logged, F("operation", operation), F("error_count", len(failures)), F("error", joined.Error()))
	Log().Error(operation+" failed", logged...)
	return fmt.Errorf("%s failed: %w", operation, joined)
}
