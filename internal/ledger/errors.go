package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Reason codes reported in {ok:false, reason} results.
const (
	ReasonUnavailable           = "unavailable"
	ReasonConflict              = "conflict"
	ReasonNotFound              = "not_found"
	ReasonDBError               = "db_error"
	ReasonInvalidCategory       = "invalid_category"
	ReasonInvalidAuthor         = "invalid_author"
	ReasonInvalidStatus         = "invalid_status"
	ReasonSessionNumberRequired = "session_number_required"
	ReasonSessionIDRequired     = "session_id_required"
	ReasonTitleRequired         = "title_required"
	ReasonDecisionIDRequired    = "decision_id_required"
	ReasonNoUpdates             = "no_updates"
	ReasonInvalidTrigger        = "invalid_trigger"
	ReasonContextUnavailable    = "context_unavailable"
	ReasonInvalidEnvelope       = "invalid_envelope"
	ReasonQueryRequired         = "query_required"
	ReasonInvalidRetention      = "invalid_retention"
)

var (
	// ErrUnavailable is returned by every ledger call while storage is
	// disabled or not initialized.
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrConflict reports a unique-constraint violation.
	ErrConflict = errors.New("ledger conflict")
	// ErrNotFound reports a missing decision, session or snapshot.
	ErrNotFound = errors.New("ledger record not found")
)

// ValidationError rejects malformed input before anything is written.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Reason, e.Detail)
}

func invalid(reason, detail string) error {
	return &ValidationError{Reason: reason, Detail: detail}
}

// DBError wraps an unexpected storage engine failure. The transaction it
// happened in has already been rolled back.
type DBError struct {
	Op  string
	Err error
}

func (e *DBError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *DBError) Unwrap() error {
	return e.Err
}

// wrapDB classifies an engine error. Ledger sentinel and validation errors
// pass through unchanged.
func wrapDB(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	var de *DBError
	switch {
	case errors.As(err, &ve), errors.As(err, &de),
		errors.Is(err, ErrUnavailable), errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
		return err
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return &DBError{Op: op, Err: err}
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// Reason maps an error to its result reason code. A nil error has none.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return ve.Reason
	case errors.Is(err, ErrUnavailable):
		return ReasonUnavailable
	case errors.Is(err, ErrConflict):
		return ReasonConflict
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	}
	return ReasonDBError
}

// Result builds the uniform {ok, reason, ...} object outer layers return.
// On success fields are merged next to ok=true. Storage faults carry the
// engine message under "error".
func Result(fields map[string]any, err error) map[string]any {
	if err != nil {
		out := map[string]any{"ok": false, "reason": Reason(err)}
		var de *DBError
		if errors.As(err, &de) {
			out["error"] = de.Err.Error()
		}
		return out
	}
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["ok"] = true
	return out
}
