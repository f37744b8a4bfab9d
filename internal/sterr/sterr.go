// Package sterr defines the engine's single enumerated error type (spec
// §7, §9 "Error returns"): every failure the engine returns carries a
// Code plus contextual fields, and classification into retryable vs
// permanent is a total function on Code.
package sterr

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Code enumerates every error condition the engine can surface.
type Code string

const (
	// Catalog errors.
	CodeNotFound      Code = "not_found"
	CodeNameCollision Code = "name_collision"

	// Parsing / validation errors (abort the originating user call).
	CodeUnsupportedConstruct Code = "unsupported_construct"
	CodeCycle                Code = "cycle"
	CodeVolatileInDifferential Code = "volatile_in_differential"
	CodeKeylessDuplicateIdentity Code = "keyless_duplicate_identity"

	// Capture errors.
	CodeTriggerInstallFailed Code = "trigger_install_failed"
	CodeDecoderLagTimeout    Code = "decoder_lag_timeout"
	CodeSchemaDrift          Code = "schema_drift"

	// Concurrency errors.
	CodeLockNotAvailable Code = "lock_not_available"

	// Resource errors.
	CodeResourceExhausted Code = "resource_exhausted"

	// SQL execution errors, classified by SQLSTATE class at construction time.
	CodeSQLRetryable Code = "sql_retryable"
	CodeSQLPermanent Code = "sql_permanent"
)

// retryable is the total function (spec §9) classifying each Code.
var retryable = map[Code]bool{
	CodeLockNotAvailable: true,
	CodeSQLRetryable:     true,
}

// Error is the engine's single error type. Every field beyond Code and
// Message is optional context; zero values mean "not applicable".
type Error struct {
	Code      Code
	Message   string
	STID      int64  // stream table id, 0 if not applicable
	SourceID  int64  // source/dependency id, 0 if not applicable
	Action    string // the refresh action in progress, if any
	SQLState  string // raw SQLSTATE, if this wraps a driver error
	Rewrite   string // suggested rewrite, for validation errors (spec §7)
	Err       error  // wrapped cause
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.STID != 0 {
		msg = fmt.Sprintf("%s (st=%d)", msg, e.STID)
	}
	if e.Rewrite != "" {
		msg = fmt.Sprintf("%s; suggested rewrite: %s", msg, e.Rewrite)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a refresh-time error should back off and
// retry on the next cycle (true) rather than incrementing the ST's
// consecutive-error counter (false). See spec §7 propagation policy.
func (e *Error) Retryable() bool {
	return retryable[e.Code]
}

// New builds a contextless Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap classifies a driver/SQL error into the engine's enumeration by
// SQLSTATE class, the same errors.As(&pgErr) idiom the dist-job-scheduler
// repository example uses to distinguish a unique-violation from other
// failures.
func Wrap(err error, stID, sourceID int64, action string) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := CodeSQLPermanent
		if isRetryableSQLState(pgErr.Code) {
			code = CodeSQLRetryable
		}
		return &Error{
			Code:     code,
			Message:  pgErr.Message,
			STID:     stID,
			SourceID: sourceID,
			Action:   action,
			SQLState: pgErr.Code,
			Err:      err,
		}
	}

	return &Error{
		Code:     CodeSQLPermanent,
		Message:  err.Error(),
		STID:     stID,
		SourceID: sourceID,
		Action:   action,
		Err:      err,
	}
}

// isRetryableSQLState maps SQLSTATE classes to the retryable set named in
// spec §7: serialization, deadlock, lock_not_available, and transient
// disk-full conditions.
func isRetryableSQLState(sqlstate string) bool {
	switch sqlstate {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	case "55P03": // lock_not_available
		return true
	case "53100": // disk_full (class 53 = insufficient_resources, transient)
		return true
	}
	// Class 53 (insufficient_resources) is transient in general.
	if len(sqlstate) >= 2 && sqlstate[:2] == "53" {
		return true
	}
	return false
}
