// Package validator implements the two lookahead-bias checks every strategy
// passes through on its GENERATED -> VALIDATED transition: a static AST scan
// for forbidden future-peeking call shapes, and an empirical shuffle test
// that asks whether the strategy's edge survives randomizing signal order.
package validator

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
)

// The three future-peeking shapes the static scan detects in the
// expression DSL a strategy's Code column compiles from:
// Rolling/Expanding windows centered on the current bar, and Shift by a
// negative offset.
const (
	callRolling   = "Rolling"
	callExpanding = "Expanding"
	callShift     = "Shift"
)

// ASTViolation is one forbidden pattern found in a strategy's source.
type ASTViolation struct {
	Pattern string
	Detail  string
}

// ASTCheck parses code as a Go expression/statement list and walks it for
// centered rolling/expanding windows and negative-offset shifts, any of
// which read bars beyond the current one. A syntax error is itself a single
// violation: unparsable code is rejected, not waved through.
func ASTCheck(code string) (bool, []ASTViolation) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "strategy.go", wrapExpr(code), parser.AllErrors)
	if err != nil {
		return false, []ASTViolation{{Pattern: "syntax_error", Detail: err.Error()}}
	}

	var violations []ASTViolation
	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		name := calleeName(call)
		switch name {
		case callRolling:
			if callHasTrueArg(call) {
				violations = append(violations, ASTViolation{
					Pattern: "center_true",
					Detail:  "Rolling(..., center=true) detected - uses future data",
				})
			}
		case callExpanding:
			if callHasTrueArg(call) {
				violations = append(violations, ASTViolation{
					Pattern: "future_center",
					Detail:  "Expanding(..., center=true) detected - uses future data",
				})
			}
		case callShift:
			if off, neg := negativeIntArg(call); neg {
				violations = append(violations, ASTViolation{
					Pattern: "negative_shift",
					Detail:  fmt.Sprintf("Shift(%d) detected - uses future data", off),
				})
			}
		}
		return true
	})

	return len(violations) == 0, violations
}

// wrapExpr lets code be a bare statement list (the shape a strategy's Code
// column stores) by dropping it into a throwaway function body so go/parser
// accepts it as a complete file.
func wrapExpr(code string) string {
	return "package strategy\nfunc __body() {\n" + code + "\n}\n"
}

func calleeName(call *ast.CallExpr) string {
	switch fn := call.Fun.(type) {
	case *ast.Ident:
		return fn.Name
	case *ast.SelectorExpr:
		return fn.Sel.Name
	default:
		return ""
	}
}

// callHasTrueArg reports whether any argument is the literal `true` —
// Rolling/Expanding's `center` flag has no keyword-argument equivalent in
// the DSL, so any bare boolean true is treated as the forbidden shape.
func callHasTrueArg(call *ast.CallExpr) bool {
	for _, arg := range call.Args {
		if id, ok := arg.(*ast.Ident); ok && id.Name == "true" {
			return true
		}
	}
	return false
}

// negativeIntArg reports whether call's first argument is a negative
// integer literal written as `-N`, the Go analogue of `shift(-N)`, and
// returns that offset. Named constants are not resolved.
func negativeIntArg(call *ast.CallExpr) (int, bool) {
	if len(call.Args) == 0 {
		return 0, false
	}
	unary, ok := call.Args[0].(*ast.UnaryExpr)
	if !ok || unary.Op != token.SUB {
		return 0, false
	}
	lit, ok := unary.X.(*ast.BasicLit)
	if !ok || lit.Kind != token.INT {
		return 0, false
	}
	var n int
	fmt.Sscanf(lit.Value, "%d", &n)
	return -n, true
}
