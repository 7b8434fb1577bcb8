// Package pipelineerr defines the error taxonomy shared by every pipeline
// stage: configuration failures are fatal at init, store/exchange failures
// are split into transient (retry-on-cadence) and fatal/integrity kinds, and
// per-strategy failures (ValidationFail, StrategyError) isolate to the one
// row instead of aborting the batch.
package pipelineerr

import (
	"errors"
	"fmt"
)

// ErrStaleClaim is returned by StrategyStore.CommitTransition when the
// caller's claim no longer matches the row (lost to SweepStaleClaims or to
// another worker). The caller must drop the row and re-claim on its next
// cycle rather than retry the same commit.
var ErrStaleClaim = errors.New("pipelineerr: claim is stale or no longer held")

// ErrUnknownSymbol is returned by CoinRegistry lookups for a symbol with no
// registry row. There is no default leverage cap; callers must treat this as
// fatal for that symbol's pipeline item.
var ErrUnknownSymbol = errors.New("pipelineerr: unknown symbol")

// ConfigError wraps a fatal configuration problem detected at startup.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StoreErrorKind distinguishes recoverable I/O failures from data-integrity
// violations, which must never be retried blindly.
type StoreErrorKind int

const (
	StoreTransient StoreErrorKind = iota
	StoreIntegrity
)

// StoreError wraps a failure from StrategyStore or any other persistence
// call.
type StoreError struct {
	Kind StoreErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	kind := "transient"
	if e.Kind == StoreIntegrity {
		kind = "integrity"
	}
	return fmt.Sprintf("store(%s): %s: %v", kind, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient StoreError or a non-fatal
// ExchangeError, either of which the caller should retry on its normal
// cadence rather than escalate.
func IsTransient(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == StoreTransient
	}
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return !ee.Fatal
	}
	return false
}

// ExchangeError wraps a failure talking to the venue's HTTP or WebSocket
// surface. Fatal is set for 4xx responses and for requests that cannot be
// built; IsTransient treats every non-fatal ExchangeError as retryable. No
// worker is stopped on a fatal error.
type ExchangeError struct {
	Op    string
	Fatal bool
	Err   error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange(%s): %v", e.Op, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// StrategyError wraps a failure processing one strategy row. It never
// aborts the owning worker's batch; the worker transitions the row to
// FAILED and continues with the next item.
type StrategyError struct {
	StrategyID string
	Stage      string
	Err        error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %s at %s: %v", e.StrategyID, e.Stage, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

// ValidationFail is not an error in the Go sense — it is the negative result
// of the Validator, carried as a typed value so callers can distinguish "the
// validator ran and rejected this strategy" from "the validator could not
// run".
type ValidationFail struct {
	Reason string
}

func (e *ValidationFail) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// DataError wraps a failure loading or persisting market data (gaps that
// could not be healed, corrupt cache files, unparsable OHLCV payloads).
type DataError struct {
	Symbol string
	Op     string
	Err    error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("data(%s) %s: %v", e.Symbol, e.Op, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }
