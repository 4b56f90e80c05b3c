// Package dsl implements the appliesWhen predicate language: a small closed
// expression grammar evaluated against a flat key-path context.
//
// Validation is fail-closed: a predicate that does not validate rejects the
// owning rule outright. There is no fallback to an always-true predicate —
// silently broadening an invalid predicate to "always applies" is the one
// failure mode this package exists to prevent.
package dsl

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Op names the closed operator set.
type Op string

const (
	OpAnd     Op = "and"
	OpOr      Op = "or"
	OpNot     Op = "not"
	OpCmp     Op = "cmp"
	OpIn      Op = "in"
	OpExists  Op = "exists"
	OpBetween Op = "between"
	OpMatches Op = "matches"
	OpTrue    Op = "true"
	OpFalse   Op = "false"
)

// Comparators accepted by cmp.
const (
	CmpEq  = "eq"
	CmpNe  = "ne"
	CmpLt  = "lt"
	CmpLte = "lte"
	CmpGt  = "gt"
	CmpGte = "gte"
)

// MaxPatternLength bounds matches patterns so regex construction stays cheap
// and cannot backtrack catastrophically on adversarial input.
const MaxPatternLength = 256

// MaxDepth bounds predicate nesting.
const MaxDepth = 16

// Predicate is one node of an appliesWhen expression tree.
type Predicate struct {
	Op    Op          `json:"op"`
	Args  []Predicate `json:"args,omitempty"`
	Field string      `json:"field,omitempty"`
	Cmp   string      `json:"cmp,omitempty"`
	Value any         `json:"value,omitempty"`
	// Values is the membership set for in.
	Values []any `json:"values,omitempty"`
	// Min/Max are the between bounds; at least one must be present.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
	// Pattern is the matches regex source.
	Pattern string `json:"pattern,omitempty"`
}

var fieldPathRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)*$`)

// Parse decodes and validates a predicate from its JSON form. Unknown fields
// are rejected: extractor output is untrusted.
func Parse(raw []byte) (*Predicate, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	var p Predicate
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode predicate: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks operator arity, field path syntax, comparator membership,
// between bounds, and regex pattern length and compilability.
func (p *Predicate) Validate() error {
	return p.validate(0)
}

func (p *Predicate) validate(depth int) error {
	if depth > MaxDepth {
		return fmt.Errorf("predicate nesting exceeds %d levels", MaxDepth)
	}
	switch p.Op {
	case OpTrue, OpFalse:
		if len(p.Args) != 0 || p.Field != "" {
			return fmt.Errorf("%s takes no arguments", p.Op)
		}
		return nil

	case OpAnd, OpOr:
		if len(p.Args) < 1 {
			return fmt.Errorf("%s requires at least one argument", p.Op)
		}
		for i := range p.Args {
			if err := p.Args[i].validate(depth + 1); err != nil {
				return err
			}
		}
		return nil

	case OpNot:
		if len(p.Args) != 1 {
			return fmt.Errorf("not requires exactly one argument, got %d", len(p.Args))
		}
		return p.Args[0].validate(depth + 1)

	case OpCmp:
		if err := validateField(p.Field); err != nil {
			return err
		}
		switch p.Cmp {
		case CmpEq, CmpNe, CmpLt, CmpLte, CmpGt, CmpGte:
		default:
			return fmt.Errorf("unknown comparator %q", p.Cmp)
		}
		if p.Value == nil {
			return fmt.Errorf("cmp on %s requires a value", p.Field)
		}
		return nil

	case OpIn:
		if err := validateField(p.Field); err != nil {
			return err
		}
		if len(p.Values) == 0 {
			return fmt.Errorf("in on %s requires a non-empty values set", p.Field)
		}
		return nil

	case OpExists:
		return validateField(p.Field)

	case OpBetween:
		if err := validateField(p.Field); err != nil {
			return err
		}
		// Both bounds omitted would make between vacuously true; reject at
		// validation time rather than accept an unconstrained predicate.
		if p.Min == nil && p.Max == nil {
			return fmt.Errorf("between on %s requires at least one bound", p.Field)
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			return fmt.Errorf("between on %s has min > max", p.Field)
		}
		return nil

	case OpMatches:
		if err := validateField(p.Field); err != nil {
			return err
		}
		if p.Pattern == "" {
			return fmt.Errorf("matches on %s requires a pattern", p.Field)
		}
		if len(p.Pattern) > MaxPatternLength {
			return fmt.Errorf("matches pattern exceeds %d bytes", MaxPatternLength)
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("matches pattern does not compile: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown operator %q", p.Op)
	}
}

func validateField(field string) error {
	if field == "" {
		return fmt.Errorf("field path is required")
	}
	if !fieldPathRe.MatchString(field) {
		return fmt.Errorf("invalid field path %q", field)
	}
	return nil
}

// Specificity counts constraining leaves. A narrower predicate scores higher;
// the arbiter uses this for lex specialis among otherwise equal rules.
func (p *Predicate) Specificity() int {
	switch p.Op {
	case OpAnd, OpOr, OpNot:
		total := 0
		for i := range p.Args {
			total += p.Args[i].Specificity()
		}
		return total
	case OpCmp, OpIn, OpExists, OpBetween, OpMatches:
		return 1
	default:
		return 0
	}
}

// MarshalText renders the predicate as canonical JSON for signatures and
// storage.
func (p *Predicate) MarshalText() ([]byte, error) {
	return json.Marshal(p)
}
