// Package validator re-verifies extracted facts deterministically. Every
// candidate coming back from the extraction collaborator is untrusted; a
// fact only enters the pipeline when its exact quote is found verbatim in
// the evidence text and its value is derivable from that quote without
// inference.
//
// Failures reject, they never panic or error: the verdict carries a typed
// reason for dead-lettering.
package validator

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"regpipe/pkg/domain"
)

// RejectReason types validation failures for dead-letter records.
type RejectReason string

const (
	ReasonEmptyQuote       RejectReason = "EMPTY_QUOTE"
	ReasonEmptyValue       RejectReason = "EMPTY_VALUE"
	ReasonUnsupportedType  RejectReason = "UNSUPPORTED_VALUE_TYPE"
	ReasonValueUnparseable RejectReason = "VALUE_UNPARSEABLE"
	ReasonQuoteMismatch    RejectReason = "QUOTE_MISMATCH"
	ReasonOutOfRange       RejectReason = "OUT_OF_DOMAIN_RANGE"
	ReasonQuoteNotInText   RejectReason = "QUOTE_NOT_IN_EVIDENCE"
)

// Verdict is the validator's answer. Invalid verdicts carry a typed reason
// and a human-readable detail.
type Verdict struct {
	Valid  bool
	Reason RejectReason
	Detail string
}

func reject(reason RejectReason, detail string) Verdict {
	return Verdict{Valid: false, Reason: reason, Detail: detail}
}

// Candidate is the tuple the validator checks.
type Candidate struct {
	ExtractedValue string
	ExactQuote     string
	Domain         string
	ValueType      domain.ValueType
}

// Range bounds numeric values for a domain.
type Range struct {
	Min float64
	Max float64
}

// Validator holds per-domain numeric ranges. The zero range means
// unconstrained; percentage types always fall back to [0,100].
type Validator struct {
	ranges map[string]Range
}

// Option configures the Validator.
type Option func(*Validator)

// WithDomainRange sets the permitted numeric range for a domain.
func WithDomainRange(domainName string, r Range) Option {
	return func(v *Validator) { v.ranges[strings.ToLower(domainName)] = r }
}

// New builds a validator with conservative defaults for rate-like domains.
func New(opts ...Option) *Validator {
	v := &Validator{ranges: map[string]Range{
		"tax_rate":          {Min: 0, Max: 100},
		"vat_rate":          {Min: 0, Max: 100},
		"contribution_rate": {Min: 0, Max: 100},
		"interest_rate":     {Min: 0, Max: 100},
	}}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks that the candidate's quote supports its value and that the
// value respects the domain's numeric range.
func (v *Validator) Validate(c Candidate) Verdict {
	if strings.TrimSpace(c.ExactQuote) == "" {
		return reject(ReasonEmptyQuote, "exact quote is empty")
	}
	if strings.TrimSpace(c.ExtractedValue) == "" {
		return reject(ReasonEmptyValue, "extracted value is empty")
	}
	if !c.ValueType.Valid() {
		return reject(ReasonUnsupportedType, "unknown value type "+string(c.ValueType))
	}

	quote := NormalizeText(c.ExactQuote)

	switch {
	case c.ValueType.Numeric():
		n, ok := ParseLocalizedNumber(c.ExtractedValue)
		if !ok {
			return reject(ReasonValueUnparseable, "cannot parse numeric value "+c.ExtractedValue)
		}
		if verdict := v.checkRange(c, n); !verdict.Valid {
			return verdict
		}
		if !quoteContainsNumber(quote, n, c.ExtractedValue) {
			return reject(ReasonQuoteMismatch, "quote does not contain value "+c.ExtractedValue)
		}
		return Verdict{Valid: true}

	case c.ValueType == domain.ValueDate:
		candidates, ok := dateCandidates(c.ExtractedValue)
		if !ok {
			return reject(ReasonValueUnparseable, "cannot parse date value "+c.ExtractedValue)
		}
		for _, candidate := range candidates {
			if containsWithBoundary(quote, candidate) {
				return Verdict{Valid: true}
			}
		}
		return reject(ReasonQuoteMismatch, "quote does not contain date "+c.ExtractedValue)

	default: // TEXT
		needle := NormalizeText(c.ExtractedValue)
		if strings.Contains(quote, needle) {
			return Verdict{Valid: true}
		}
		return reject(ReasonQuoteMismatch, "quote does not contain text value")
	}
}

// VerifyQuoteInEvidence checks the quote appears verbatim (after
// normalization) in the evidence text. Pointer creation requires this in
// addition to value validation.
func (v *Validator) VerifyQuoteInEvidence(quote, evidenceText string) Verdict {
	if strings.TrimSpace(quote) == "" {
		return reject(ReasonEmptyQuote, "exact quote is empty")
	}
	if !strings.Contains(NormalizeText(evidenceText), NormalizeText(quote)) {
		return reject(ReasonQuoteNotInText, "quote not found in evidence text")
	}
	return Verdict{Valid: true}
}

func (v *Validator) checkRange(c Candidate, n float64) Verdict {
	r, ok := v.ranges[strings.ToLower(c.Domain)]
	if !ok {
		if c.ValueType == domain.ValuePercentage {
			r = Range{Min: 0, Max: 100}
		} else {
			return Verdict{Valid: true}
		}
	}
	if n < r.Min || n > r.Max {
		return reject(ReasonOutOfRange, "value outside permitted domain range")
	}
	return Verdict{Valid: true}
}

var diacriticFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeText lowercases, folds diacritics, and collapses whitespace
// (including non-breaking spaces) so quote matching is locale-stable.
func NormalizeText(s string) string {
	folded, _, err := transform.String(diacriticFolder, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	var b strings.Builder
	b.Grow(len(folded))
	space := false
	for _, r := range folded {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		// đ carries its stroke in the base character, not a combining
		// mark, so NFD leaves it alone.
		if r == 'đ' {
			r = 'd'
		}
		b.WriteRune(r)
	}
	return b.String()
}
