package backtester

import (
	"github.com/shopspring/decimal"

	"github.com/sixbtc/pipeline/pkg/types"
)

// SignalDirection is the directional call a Strategy's code produces for
// one bar: an entry (Long/Short) or a Close of the currently open position.
type SignalDirection int

const (
	SignalLong SignalDirection = iota
	SignalShort
	SignalClose
)

// Signal is at most one per bar: an Entry carries an optional target
// leverage and stop/take-profit hints; a Close carries only Direction.
type Signal struct {
	Direction          SignalDirection
	Leverage           int
	ATRStopMultiplier  decimal.Decimal
	ATRTakeMultiplier  decimal.Decimal
	StopType           string
	TakeProfitType     string
}

// Strategy is a closed expression over OHLCV bars producing a signal: it
// must not read anything beyond the bars it is given (no lookahead) and
// must not depend on mutable external state beyond its declared Parameters.
// Concrete strategies compile from the stored Strategy.Code into something
// implementing this interface.
type Strategy interface {
	Name() string
	Parameters() map[string]interface{}
	SetParameters(map[string]interface{})
	// Evaluate is given only bars[:i+1] (no lookahead by construction) and
	// returns the signal, if any, for the bar at index len(bars)-1. A nil
	// Signal means the strategy emits nothing for this bar.
	Evaluate(bars []types.OHLCV, symbol string) (*Signal, error)
}

// Registry resolves a Strategy.StrategyType/Code pair to an executable
// Strategy instance.
type Registry struct {
	factories map[string]func(code string, params map[string]interface{}) (Strategy, error)
}

// NewRegistry builds an empty Registry; callers Register concrete strategy
// kinds (momentum, mean-reversion, breakout, ...) at startup.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func(string, map[string]interface{}) (Strategy, error))}
}

// Register adds a strategy kind factory.
func (r *Registry) Register(kind string, factory func(code string, params map[string]interface{}) (Strategy, error)) {
	r.factories[kind] = factory
}

// Create instantiates a Strategy of the given kind from its compiled code
// and parameters.
func (r *Registry) Create(kind, code string, params map[string]interface{}) (Strategy, error) {
	factory, ok := r.factories[kind]
	if !ok {
		return nil, &UnknownStrategyKindError{Kind: kind}
	}
	return factory(code, params)
}

// UnknownStrategyKindError is returned by Registry.Create for an
// unregistered strategy kind.
type UnknownStrategyKindError struct{ Kind string }

func (e *UnknownStrategyKindError) Error() string {
	return "backtester: unknown strategy kind " + e.Kind
}
