package query

import (
	"sort"
	"strings"
	"time"
)

// Record exposes fields by logical name for in-memory evaluation. A nil value
// (or ok=false) is treated as SQL NULL.
type Record interface {
	Field(name string) (any, bool)
}

// Match evaluates expr against rec. A nil expression matches everything.
func Match(expr Expr, rec Record) bool {
	if expr == nil {
		return true
	}
	switch e := expr.(type) {
	case Cond:
		return matchCond(e, rec)
	case And:
		for _, inner := range e {
			if !Match(inner, rec) {
				return false
			}
		}
		return true
	case Or:
		for _, inner := range e {
			if Match(inner, rec) {
				return true
			}
		}
		return false
	case Not:
		return !Match(e.Expr, rec)
	default:
		return false
	}
}

func matchCond(c Cond, rec Record) bool {
	value, ok := rec.Field(c.Field)
	if !ok {
		value = nil
	}
	value = normalize(value)
	operand := normalize(c.Value)

	switch c.Op {
	case OpIsNull:
		return value == nil
	case OpNotNull:
		return value != nil
	case OpNe:
		if value == nil {
			return operand != nil
		}
		cmp, ok := compare(value, operand)
		return !ok || cmp != 0
	}

	if value == nil {
		return false
	}

	switch c.Op {
	case OpEq:
		cmp, ok := compare(value, operand)
		return ok && cmp == 0
	case OpLt, OpLte, OpGt, OpGte:
		cmp, ok := compare(value, operand)
		if !ok {
			return false
		}
		switch c.Op {
		case OpLt:
			return cmp < 0
		case OpLte:
			return cmp <= 0
		case OpGt:
			return cmp > 0
		default:
			return cmp >= 0
		}
	case OpIn:
		switch list := c.Value.(type) {
		case []int64:
			for _, item := range list {
				if cmp, ok := compare(value, item); ok && cmp == 0 {
					return true
				}
			}
		case []string:
			for _, item := range list {
				if cmp, ok := compare(value, item); ok && cmp == 0 {
					return true
				}
			}
		}
		return false
	case OpContains:
		text, ok := value.(string)
		needle, ok2 := operand.(string)
		return ok && ok2 && strings.Contains(strings.ToLower(text), strings.ToLower(needle))
	case OpHas:
		list, ok := value.([]int64)
		if !ok {
			return false
		}
		for _, item := range list {
			if cmp, ok := compare(item, operand); ok && cmp == 0 {
				return true
			}
		}
		return false
	}
	return false
}

func normalize(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case *int64:
		if v == nil {
			return nil
		}
		return *v
	case *string:
		if v == nil {
			return nil
		}
		return *v
	case *time.Time:
		if v == nil {
			return nil
		}
		return *v
	}
	return value
}

func compare(a, b any) (int, bool) {
	a = normalize(a)
	b = normalize(b)
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	}
	return 0, false
}

// Sort orders records in place. Nulls sort last, matching Postgres ASC.
func Sort[T Record](records []T, orders []Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, order := range orders {
			left, _ := records[i].Field(order.Field)
			right, _ := records[j].Field(order.Field)
			left, right = normalize(left), normalize(right)
			if left == nil || right == nil {
				if left == nil && right == nil {
					continue
				}
				// Postgres puts NULLs last for ASC and first for DESC.
				return (right == nil) != order.Desc
			}
			cmp, ok := compare(left, right)
			if !ok || cmp == 0 {
				continue
			}
			if order.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// Window applies offset and limit to an already filtered, sorted slice.
func Window[T any](records []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return []T{}
	}
	end := len(records)
	if limit > 0 && limit < end-offset {
		end = offset + limit
	}
	return records[offset:end]
}
