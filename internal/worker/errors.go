package worker

import (
	"errors"
	"fmt"

	"github.com/bifrosthq/bifrost/internal/domain/models"
)

// ExecError is a classified execution failure. Type is one of the
// models.ErrType* values and lands in the durable record's error_type
// column unchanged.
type ExecError struct {
	Type    string
	Message string
	Err     error
}

func (e *ExecError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Type
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

func execErrorf(errType, format string, args ...interface{}) *ExecError {
	return &ExecError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// classify extracts the taxonomy type and message from an execution error.
// Unclassified errors are infrastructure faults, not user code faults.
func classify(err error) (string, string) {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Type, execErr.Error()
	}
	return models.ErrTypeTransientInfrastructure, err.Error()
}
