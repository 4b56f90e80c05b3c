package dsl

import (
	"encoding/json"
	"regexp"
	"strconv"
)

// Context is the flat key-path object predicates evaluate against.
type Context map[string]any

// Evaluate applies a validated predicate to a context. Evaluation never
// errors: missing fields, unsatisfiable comparisons, and type mismatches
// evaluate false. Only predicates that passed Validate should reach here.
func (p *Predicate) Evaluate(ctx Context) bool {
	switch p.Op {
	case OpTrue:
		return true
	case OpFalse:
		return false

	case OpAnd:
		for i := range p.Args {
			if !p.Args[i].Evaluate(ctx) {
				return false
			}
		}
		return true

	case OpOr:
		for i := range p.Args {
			if p.Args[i].Evaluate(ctx) {
				return true
			}
		}
		return false

	case OpNot:
		if len(p.Args) != 1 {
			return false
		}
		return !p.Args[0].Evaluate(ctx)

	case OpCmp:
		actual, ok := ctx[p.Field]
		if !ok {
			return false
		}
		return compare(actual, p.Cmp, p.Value)

	case OpIn:
		actual, ok := ctx[p.Field]
		if !ok {
			return false
		}
		for _, candidate := range p.Values {
			if looseEqual(actual, candidate) {
				return true
			}
		}
		return false

	case OpExists:
		_, ok := ctx[p.Field]
		return ok

	case OpBetween:
		actual, ok := ctx[p.Field]
		if !ok {
			return false
		}
		n, ok := asNumber(actual)
		if !ok {
			return false
		}
		if p.Min != nil && n < *p.Min {
			return false
		}
		if p.Max != nil && n > *p.Max {
			return false
		}
		return true

	case OpMatches:
		actual, ok := ctx[p.Field]
		if !ok {
			return false
		}
		s, ok := actual.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)

	default:
		return false
	}
}

func compare(actual any, cmp string, expected any) bool {
	if an, ok := asNumber(actual); ok {
		en, ok := asNumber(expected)
		if !ok {
			return false
		}
		switch cmp {
		case CmpEq:
			return an == en
		case CmpNe:
			return an != en
		case CmpLt:
			return an < en
		case CmpLte:
			return an <= en
		case CmpGt:
			return an > en
		case CmpGte:
			return an >= en
		}
		return false
	}

	as, aok := actual.(string)
	es, eok := expected.(string)
	if aok && eok {
		switch cmp {
		case CmpEq:
			return as == es
		case CmpNe:
			return as != es
		case CmpLt:
			return as < es
		case CmpLte:
			return as <= es
		case CmpGt:
			return as > es
		case CmpGte:
			return as >= es
		}
		return false
	}

	ab, aok := actual.(bool)
	eb, eok := expected.(bool)
	if aok && eok {
		switch cmp {
		case CmpEq:
			return ab == eb
		case CmpNe:
			return ab != eb
		}
	}
	return false
}

func looseEqual(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
		return false
	}
	return a == b
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
