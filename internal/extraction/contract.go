// Package extraction defines the boundary with the LLM extraction
// collaborator. Its output is untrusted input: the contract is validated
// strictly here and every value is re-verified by the deterministic
// validator before a pointer can advance.
package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"regpipe/internal/rule"
	"regpipe/pkg/domain"
	"regpipe/pkg/domainerrors"
)

// CandidateFact is one extracted fact proposal as the collaborator returns
// it. Field names are the wire contract; unknown fields are rejected.
type CandidateFact struct {
	ConceptSlug    string          `json:"conceptSlug"`
	Domain         string          `json:"domain"`
	ExtractedValue string          `json:"extractedValue"`
	ValueType      string          `json:"valueType"`
	ExactQuote     string          `json:"exactQuote"`
	Confidence     float64         `json:"confidence"`
	AuthorityLevel string          `json:"authorityLevel"`
	RiskTier       string          `json:"riskTier"`
	AppliesWhen    json.RawMessage `json:"appliesWhen,omitempty"`
	EffectiveFrom  string          `json:"effectiveFrom"`
	EffectiveUntil string          `json:"effectiveUntil,omitempty"`
}

// envelope is the top-level response object; JSON-mode collaborators must
// return an object, not a bare array.
type envelope struct {
	Facts []CandidateFact `json:"facts"`
}

// ParseCandidateFacts decodes a collaborator response strictly: unknown
// fields anywhere in the payload are a contract violation.
func ParseCandidateFacts(raw []byte) ([]CandidateFact, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeValidation, "extractor response violates contract")
	}
	for i, f := range env.Facts {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("fact %d: %w", i, err)
		}
	}
	return env.Facts, nil
}

// Validate checks the closed-set and range constraints of one fact. It does
// not verify the quote against evidence; that is the validator's job.
func (f CandidateFact) Validate() error {
	if f.ConceptSlug == "" {
		return domainerrors.New(domainerrors.CodeValidation, "conceptSlug is required")
	}
	if f.Domain == "" {
		return domainerrors.New(domainerrors.CodeValidation, "domain is required")
	}
	if f.ExtractedValue == "" {
		return domainerrors.New(domainerrors.CodeValidation, "extractedValue is required")
	}
	if f.ExactQuote == "" {
		return domainerrors.New(domainerrors.CodeValidation, "exactQuote is required")
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return domainerrors.Newf(domainerrors.CodeValidation, "confidence %v outside [0,1]", f.Confidence)
	}
	if _, err := domain.ParseValueType(f.ValueType); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeValidation, "valueType")
	}
	if _, err := domain.ParseAuthorityLevel(f.AuthorityLevel); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeValidation, "authorityLevel")
	}
	if _, err := domain.ParseRiskTier(f.RiskTier); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeValidation, "riskTier")
	}
	from, err := parseContractDate(f.EffectiveFrom)
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeValidation, "effectiveFrom")
	}
	if f.EffectiveUntil != "" {
		until, err := parseContractDate(f.EffectiveUntil)
		if err != nil {
			return domainerrors.Wrap(err, domainerrors.CodeValidation, "effectiveUntil")
		}
		if !from.Before(until) {
			return domainerrors.New(domainerrors.CodeValidation, "effectiveUntil must be after effectiveFrom")
		}
	}
	return nil
}

// Pointer builds the PENDING_VALIDATION source pointer for a fact. Validate
// must have passed.
func (f CandidateFact) Pointer(evidenceID domain.EvidenceID, now time.Time) *rule.SourcePointer {
	from, _ := parseContractDate(f.EffectiveFrom)
	var until *time.Time
	if f.EffectiveUntil != "" {
		u, _ := parseContractDate(f.EffectiveUntil)
		until = &u
	}
	return &rule.SourcePointer{
		ID:                  domain.NewPointerID(),
		EvidenceID:          evidenceID,
		ExactQuote:          f.ExactQuote,
		ExtractedValue:      f.ExtractedValue,
		ValueType:           domain.ValueType(f.ValueType),
		Domain:              f.Domain,
		Confidence:          f.Confidence,
		ProposedSlug:        f.ConceptSlug,
		ProposedAuthority:   domain.AuthorityLevel(f.AuthorityLevel),
		ProposedRiskTier:    domain.RiskTier(f.RiskTier),
		ProposedAppliesWhen: []byte(f.AppliesWhen),
		EffectiveFrom:       from,
		EffectiveUntil:      until,
		Status:              rule.PointerPendingValidation,
		CreatedAt:           now,
	}
}

func parseContractDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q must be YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}
