package query

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownField = errors.New("unknown filter field")

// Columns maps logical field names to SQL expressions. Fields used with
// OpHas map to a predicate template containing a single %s, which receives
// the placeholder for the operand.
type Columns map[string]string

// SQL compiles expressions into a WHERE fragment with $n placeholders.
type SQL struct {
	cols Columns
	args []any
}

func NewSQL(cols Columns, args ...any) *SQL {
	return &SQL{cols: cols, args: append([]any(nil), args...)}
}

func (s *SQL) Args() []any {
	return s.args
}

// Bind appends an argument and returns its placeholder.
func (s *SQL) Bind(value any) string {
	s.args = append(s.args, value)
	return fmt.Sprintf("$%d", len(s.args))
}

// Where renders expr, returning "TRUE" for a nil expression.
func (s *SQL) Where(expr Expr) (string, error) {
	if expr == nil {
		return "TRUE", nil
	}
	switch e := expr.(type) {
	case Cond:
		return s.cond(e)
	case And:
		return s.join(" AND ", e, "TRUE")
	case Or:
		return s.join(" OR ", e, "FALSE")
	case Not:
		inner, err := s.Where(e.Expr)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	default:
		return "", fmt.Errorf("unsupported expression %T", expr)
	}
}

func (s *SQL) join(sep string, exprs []Expr, empty string) (string, error) {
	if len(exprs) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(exprs))
	for _, expr := range exprs {
		part, err := s.Where(expr)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+part+")")
	}
	return strings.Join(parts, sep), nil
}

func (s *SQL) cond(c Cond) (string, error) {
	col, ok := s.cols[c.Field]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownField, c.Field)
	}
	switch c.Op {
	case OpEq:
		return col + " = " + s.Bind(c.Value), nil
	case OpNe:
		return col + " IS DISTINCT FROM " + s.Bind(c.Value), nil
	case OpLt:
		return col + " < " + s.Bind(c.Value), nil
	case OpLte:
		return col + " <= " + s.Bind(c.Value), nil
	case OpGt:
		return col + " > " + s.Bind(c.Value), nil
	case OpGte:
		return col + " >= " + s.Bind(c.Value), nil
	case OpIn:
		return col + " = ANY(" + s.Bind(c.Value) + ")", nil
	case OpContains:
		value, ok := c.Value.(string)
		if !ok {
			return "", fmt.Errorf("contains on %s needs a string operand", c.Field)
		}
		return col + " ILIKE " + s.Bind("%"+escapeLike(value)+"%"), nil
	case OpHas:
		if !strings.Contains(col, "%s") {
			return "", fmt.Errorf("field %s does not support has", c.Field)
		}
		return fmt.Sprintf(col, s.Bind(c.Value)), nil
	case OpIsNull:
		return col + " IS NULL", nil
	case OpNotNull:
		return col + " IS NOT NULL", nil
	default:
		return "", fmt.Errorf("unsupported operator %q", c.Op)
	}
}

// OrderBy renders an ORDER BY list. An empty order yields "".
func (s *SQL) OrderBy(orders []Order) (string, error) {
	if len(orders) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(orders))
	for _, order := range orders {
		col, ok := s.cols[order.Field]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownField, order.Field)
		}
		if order.Desc {
			parts = append(parts, col+" DESC")
		} else {
			parts = append(parts, col+" ASC")
		}
	}
	return "ORDER BY " + strings.Join(parts, ", "), nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
