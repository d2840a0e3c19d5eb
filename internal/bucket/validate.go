package bucket

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/yourorg/abtest/pkg/types"
)

// ErrInvalidConfiguration marks an experiment definition that cannot be
// evaluated.
var ErrInvalidConfiguration = errors.New("invalid experiment configuration")

// ConfigError describes which field of which experiment is invalid.
type ConfigError struct {
	ExperimentID string
	Field        string
	Reason       string
}

func (e *ConfigError) Error() string {
	id := e.ExperimentID
	if id == "" {
		id = "<unnamed>"
	}
	return fmt.Sprintf("experiment %q: %s: %s", id, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfiguration
}

// Validate checks exp for problems that would make bucketing skewed or
// undefined. Out-of-range traffic is rejected rather than clamped.
func Validate(exp types.Experiment) error {
	var errs []error
	if strings.TrimSpace(exp.ID) == "" {
		errs = append(errs, &ConfigError{Field: "id", Reason: "must not be empty"})
	}
	if len(exp.Variants) == 0 {
		errs = append(errs, &ConfigError{ExperimentID: exp.ID, Field: "variants", Reason: "no variants declared"})
	}
	if math.IsNaN(exp.Traffic) || exp.Traffic < 0 || exp.Traffic > 1 {
		errs = append(errs, &ConfigError{ExperimentID: exp.ID, Field: "traffic", Reason: fmt.Sprintf("%v is outside [0, 1]", exp.Traffic)})
	}
	if exp.Window.End.Before(exp.Window.Start) {
		errs = append(errs, &ConfigError{ExperimentID: exp.ID, Field: "window", Reason: "end is before start"})
	}
	return errors.Join(errs...)
}
