// Package errors provides the typed error taxonomy shared by every layer of
// the stack: each error carries a Category used by the retry executor and
// circuit breaker to decide whether a failure is worth retrying or counts
// against a breaker.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies an error for retry/breaker purposes (spec §7).
type Category int

const (
	CategoryConnection Category = iota
	CategoryTransientRejection
	CategoryPermanentRejection
	CategoryProtocol
	CategoryConfiguration
	CategoryApplication
	CategoryResource
	CategoryBreaker
)

func (c Category) String() string {
	switch c {
	case CategoryConnection:
		return "connection"
	case CategoryTransientRejection:
		return "transient-rejection"
	case CategoryPermanentRejection:
		return "permanent-rejection"
	case CategoryProtocol:
		return "protocol"
	case CategoryConfiguration:
		return "configuration"
	case CategoryApplication:
		return "application"
	case CategoryResource:
		return "resource"
	case CategoryBreaker:
		return "breaker"
	default:
		return "unknown"
	}
}

// Retryable reports whether the retry executor should attempt this category
// at all, absent any circuit-breaker gating.
func (c Category) Retryable() bool {
	switch c {
	case CategoryConnection, CategoryTransientRejection, CategoryResource:
		return true
	default:
		return false
	}
}

// CountsAgainstBreaker reports whether a failure of this category should be
// recorded by a circuit breaker.
func (c Category) CountsAgainstBreaker() bool {
	return c == CategoryConnection || c == CategoryTransientRejection
}

// Categorized is implemented by every typed error in this package.
type Categorized interface {
	error
	Category() Category
}

// Sentinel errors for conditions with no extra context.
var (
	ErrConnectionClosed   = &ConnectionError{Op: "read", Err: errors.New("connection closed")}
	ErrOperationCanceled  = errors.New("dicomul: operation canceled")
	ErrNoPresentationCtx  = &ConfigurationError{Code: "no_presentation_context", Msg: "no suitable presentation context accepted"}
)

// ConnectionError covers transport-level failures: refused/reset
// connections, EOF mid-read, and read/write timeouts.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("dicomul: connection error during %s: %v", e.Op, e.Err)
}
func (e *ConnectionError) Unwrap() error    { return e.Err }
func (e *ConnectionError) Category() Category { return CategoryConnection }

func NewConnectionError(op string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Err: err}
}

// TimeoutError represents a per-read, overall, or ARTIM timeout.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dicomul: timeout: %s exceeded %s", e.Operation, e.Duration)
}
func (e *TimeoutError) Timeout() bool         { return true }
func (e *TimeoutError) Category() Category    { return CategoryConnection }

func NewTimeoutError(operation string, d time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: d}
}

// AssociationRejectedError is returned when an ASSOCIATE-RJ is received.
// Result 0x02 (transient) is retryable; 0x01 (permanent) is not.
type AssociationRejectedError struct {
	Result byte
	Source byte
	Reason byte
}

func (e *AssociationRejectedError) Error() string {
	return fmt.Sprintf("dicomul: association rejected (result=0x%02X source=0x%02X reason=0x%02X)",
		e.Result, e.Source, e.Reason)
}

func (e *AssociationRejectedError) Category() Category {
	if e.Result == 0x02 {
		return CategoryTransientRejection
	}
	return CategoryPermanentRejection
}

func NewAssociationRejectedError(result, source, reason byte) *AssociationRejectedError {
	return &AssociationRejectedError{Result: result, Source: source, Reason: reason}
}

// AssociationAbortedError is returned when an A-ABORT is received or sent.
type AssociationAbortedError struct {
	Source byte
	Reason byte
}

func (e *AssociationAbortedError) Error() string {
	src := "unknown"
	switch e.Source {
	case 0x00:
		src = "service-user"
	case 0x02:
		src = "service-provider"
	}
	return fmt.Sprintf("dicomul: association aborted by %s (reason=0x%02X)", src, e.Reason)
}
func (e *AssociationAbortedError) Category() Category { return CategoryPermanentRejection }

func NewAssociationAbortedError(source, reason byte) *AssociationAbortedError {
	return &AssociationAbortedError{Source: source, Reason: reason}
}

// ProtocolError covers codec- and framing-level violations: invalid PDUs,
// unexpected PDU types mid-exchange, decode/encode failures, oversize PDUs.
type ProtocolError struct {
	Code string // e.g. "invalid_pdu", "unexpected_pdu_type", "decoding_failed", "encoding_failed", "pdu_too_large"
	Msg  string
}

func (e *ProtocolError) Error() string      { return fmt.Sprintf("dicomul: protocol error (%s): %s", e.Code, e.Msg) }
func (e *ProtocolError) Category() Category { return CategoryProtocol }

func NewProtocolError(code, msg string) *ProtocolError {
	return &ProtocolError{Code: code, Msg: msg}
}

// PduTooLargeError reports a PDU whose declared body length exceeds the
// negotiated maximum.
type PduTooLargeError struct {
	Received uint32
	Maximum  uint32
}

func (e *PduTooLargeError) Error() string {
	return fmt.Sprintf("dicomul: PDU too large: received %d, maximum %d", e.Received, e.Maximum)
}
func (e *PduTooLargeError) Category() Category { return CategoryProtocol }

// ConfigurationError covers invalid AE titles, invalid requested states,
// no accepted presentation context, and unsupported SOP classes.
type ConfigurationError struct {
	Code string
	Msg  string
}

func (e *ConfigurationError) Error() string      { return fmt.Sprintf("dicomul: configuration error (%s): %s", e.Code, e.Msg) }
func (e *ConfigurationError) Category() Category { return CategoryConfiguration }

func NewConfigurationError(code, msg string) *ConfigurationError {
	return &ConfigurationError{Code: code, Msg: msg}
}

// NewInvalidStateError builds a ConfigurationError with Code "invalid_state",
// raised for an operation invalid in the caller's current state (e.g. transcoding across incompatible
// transfer syntaxes).
func NewInvalidStateError(msg string) *ConfigurationError {
	return &ConfigurationError{Code: "invalid_state", Msg: msg}
}

// ApplicationError wraps a failed DIMSE exchange: the operation name and the
// DIMSE status code returned by the peer.
type ApplicationError struct {
	Operation string
	Status    uint16
	Msg       string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("dicomul: %s failed: %s (status: 0x%04X)", e.Operation, e.Msg, e.Status)
}
func (e *ApplicationError) Category() Category { return CategoryApplication }

func NewApplicationError(operation string, status uint16, msg string) *ApplicationError {
	return &ApplicationError{Operation: operation, Status: status, Msg: msg}
}

// PoolExhaustedError is returned when the connection pool can create no new
// connection and no waiter slot frees within acquire_timeout.
type PoolExhaustedError struct {
	Host string
	Port int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("dicomul: pool exhausted for %s:%d", e.Host, e.Port)
}
func (e *PoolExhaustedError) Category() Category { return CategoryResource }

func NewPoolExhaustedError(host string, port int) *PoolExhaustedError {
	return &PoolExhaustedError{Host: host, Port: port}
}

// ErrPoolShutdown is returned to any waiter still queued when the pool
// shuts down.
var ErrPoolShutdown = errors.New("dicomul: pool shut down")

// CircuitBreakerOpenError is returned by check_state() when the breaker for
// an endpoint is open and the reset instant has not yet been reached.
type CircuitBreakerOpenError struct {
	Host      string
	Port      int
	RetryAfter time.Time
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("dicomul: circuit breaker open for %s:%d, retry after %s",
		e.Host, e.Port, e.RetryAfter.Format(time.RFC3339))
}
func (e *CircuitBreakerOpenError) Category() Category { return CategoryBreaker }

func NewCircuitBreakerOpenError(host string, port int, retryAfter time.Time) *CircuitBreakerOpenError {
	return &CircuitBreakerOpenError{Host: host, Port: port, RetryAfter: retryAfter}
}

// CategoryOf extracts the Category of err if it implements Categorized,
// otherwise reports CategoryApplication as a conservative default (not
// retryable, not counted against any breaker).
func CategoryOf(err error) Category {
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	return CategoryApplication
}
