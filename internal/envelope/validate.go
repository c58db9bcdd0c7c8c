package envelope

import (
	"fmt"
	"strings"
)

// Validation is the outcome of Validate.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validate checks that the required identity fields are present.
// eventId, traceId, type, stage and source must be non-empty. Any ts is
// accepted, including zero and pre-epoch values. The envelope is not
// modified.
func Validate(env Envelope) Validation {
	var errs []string
	required := []struct {
		name  string
		value string
	}{
		{"eventId", env.EventID},
		{"traceId", env.TraceID},
		{"type", env.Type},
		{"stage", env.Stage},
		{"source", env.Source},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			errs = append(errs, fmt.Sprintf("%s is required", f.name))
		}
	}
	return Validation{Valid: len(errs) == 0, Errors: errs}
}

// Error joins the validation errors into one message.
func (v Validation) Error() string {
	return strings.Join(v.Errors, "; ")
}
