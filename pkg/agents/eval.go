package agents

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"

	"github.com/helmsman-project/helmsman/pkg/errkind"
)

// evalArithmetic evaluates a pure arithmetic expression: numbers, + - * / %,
// parentheses, unary minus. Anything else (identifiers, calls, strings) is
// rejected so the caller can fall back to the model.
func evalArithmetic(expr string) (float64, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, errkind.Wrap(errkind.KindBadInput, err, "not an arithmetic expression")
	}
	return evalNode(node)
}

func evalNode(node ast.Expr) (float64, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return 0, errkind.Newf(errkind.KindBadInput, "unsupported literal %s", n.Value)
		}
		return strconv.ParseFloat(n.Value, 64)
	case *ast.ParenExpr:
		return evalNode(n.X)
	case *ast.UnaryExpr:
		v, err := evalNode(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.SUB:
			return -v, nil
		case token.ADD:
			return v, nil
		default:
			return 0, errkind.Newf(errkind.KindBadInput, "unsupported operator %s", n.Op)
		}
	case *ast.BinaryExpr:
		left, err := evalNode(n.X)
		if err != nil {
			return 0, err
		}
		right, err := evalNode(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return left + right, nil
		case token.SUB:
			return left - right, nil
		case token.MUL:
			return left * right, nil
		case token.QUO:
			if right == 0 {
				return 0, errkind.New(errkind.KindBadInput, "division by zero")
			}
			return left / right, nil
		case token.REM:
			if right == 0 {
				return 0, errkind.New(errkind.KindBadInput, "division by zero")
			}
			return math.Mod(left, right), nil
		default:
			return 0, errkind.Newf(errkind.KindBadInput, "unsupported operator %s", n.Op)
		}
	default:
		return 0, errkind.Newf(errkind.KindBadInput, "unsupported expression %T", node)
	}
}

// formatNumber trims trailing zeros so integer results read as integers.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return fmt.Sprintf("%g", v)
}
