// Package query provides the typed filter expressions handed to the project
// store. Expressions are plain values: a Cond names a logical field, an
// operator and an operand, and And/Or/Not compose them. Stores either compile
// them to SQL or evaluate them in memory against records that expose their
// fields by logical name.
package query

type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	// OpIn matches when the field equals any element of a []int64 or []string operand.
	OpIn Op = "in"
	// OpContains is a case-insensitive substring match on a string field.
	OpContains Op = "contains"
	// OpHas matches when a multi-valued field ([]int64) contains the operand.
	OpHas     Op = "has"
	OpIsNull  Op = "is_null"
	OpNotNull Op = "not_null"
)

type Expr interface {
	isExpr()
}

type Cond struct {
	Field string
	Op    Op
	Value any
}

type And []Expr

type Or []Expr

type Not struct {
	Expr Expr
}

func (Cond) isExpr() {}
func (And) isExpr()  {}
func (Or) isExpr()   {}
func (Not) isExpr()  {}

func Where(field string, op Op, value any) Cond {
	return Cond{Field: field, Op: op, Value: value}
}

func Eq(field string, value any) Cond {
	return Cond{Field: field, Op: OpEq, Value: value}
}

// All joins the non-nil expressions with AND. It returns nil when nothing is
// left, which stores treat as "match everything".
func All(exprs ...Expr) Expr {
	kept := compact(exprs)
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return And(kept)
}

// Any joins the non-nil expressions with OR.
func Any(exprs ...Expr) Expr {
	kept := compact(exprs)
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return Or(kept)
}

func compact(exprs []Expr) []Expr {
	kept := make([]Expr, 0, len(exprs))
	for _, expr := range exprs {
		if expr == nil {
			continue
		}
		switch v := expr.(type) {
		case And:
			if len(v) == 0 {
				continue
			}
		case Or:
			if len(v) == 0 {
				continue
			}
		}
		kept = append(kept, expr)
	}
	return kept
}

type Order struct {
	Field string
	Desc  bool
}

func Asc(field string) Order  { return Order{Field: field} }
func Desc(field string) Order { return Order{Field: field, Desc: true} }

// Query is a filtered, ordered window over one record kind.
type Query struct {
	Filter Expr
	Order  []Order
	Offset int
	// Limit <= 0 means no limit.
	Limit int
}
