package validator

import (
	"github.com/sixbtc/pipeline/internal/backtester"
	"github.com/sixbtc/pipeline/pkg/types"
)

// DefaultShuffleIterations is the default permutation count for the
// shuffle test's null distribution.
const DefaultShuffleIterations = 100

// Result is the full two-stage validation outcome the GENERATED->VALIDATED
// transition gates on.
type Result struct {
	ASTPassed     bool
	ASTViolations []ASTViolation
	Shuffle       *ShuffleResult
	Passed        bool
}

// Validator runs the AST static check followed, only if it passes, by the
// empirical shuffle test. The (much slower) shuffle test is skipped
// entirely once the AST check already fails.
type Validator struct {
	ShuffleIterations int
}

// New builds a Validator with the default shuffle iteration count.
func New() *Validator {
	return &Validator{ShuffleIterations: DefaultShuffleIterations}
}

// Validate checks strategyCode statically, then — only if that passes —
// runs strat through the shuffle test against bars.
func (v *Validator) Validate(strat backtester.Strategy, strategyCode string, bars []types.OHLCV, symbol string) (*Result, error) {
	astPassed, violations := ASTCheck(strategyCode)
	if !astPassed {
		return &Result{ASTPassed: false, ASTViolations: violations, Passed: false}, nil
	}

	shuffle, err := ShuffleTest(strat, bars, symbol, v.ShuffleIterations)
	if err != nil {
		return &Result{ASTPassed: true, Passed: false}, err
	}

	return &Result{
		ASTPassed: true,
		Shuffle:   shuffle,
		Passed:    shuffle.Passed,
	}, nil
}

// QuickCheck runs only the AST half, for fast feedback during generation
// before a full backtest run is worth paying for.
func QuickCheck(code string) (bool, []ASTViolation) {
	return ASTCheck(code)
}
