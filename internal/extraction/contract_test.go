package extraction_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regpipe/internal/extraction"
	"regpipe/internal/rule"
	"regpipe/pkg/domain"
	"regpipe/pkg/domainerrors"
)

func validFact() extraction.CandidateFact {
	return extraction.CandidateFact{
		ConceptSlug:    "standard-vat-rate",
		Domain:         "vat_rate",
		ExtractedValue: "25",
		ValueType:      "PERCENTAGE",
		ExactQuote:     "stopa PDV-a iznosi 25%",
		Confidence:     0.96,
		AuthorityLevel: "LAW",
		RiskTier:       "T1",
		EffectiveFrom:  "2025-01-01",
	}
}

func TestParseCandidateFacts(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		facts, err := extraction.ParseCandidateFacts([]byte(`{
			"facts": [{
				"conceptSlug": "standard-vat-rate",
				"domain": "vat_rate",
				"extractedValue": "25",
				"valueType": "PERCENTAGE",
				"exactQuote": "stopa PDV-a iznosi 25%",
				"confidence": 0.96,
				"authorityLevel": "LAW",
				"riskTier": "T1",
				"effectiveFrom": "2025-01-01"
			}]
		}`))
		require.NoError(t, err)
		require.Len(t, facts, 1)
		assert.Equal(t, "standard-vat-rate", facts[0].ConceptSlug)
	})

	t.Run("empty fact list is a valid answer", func(t *testing.T) {
		facts, err := extraction.ParseCandidateFacts([]byte(`{"facts": []}`))
		require.NoError(t, err)
		assert.Empty(t, facts)
	})

	t.Run("unknown fields violate the contract", func(t *testing.T) {
		_, err := extraction.ParseCandidateFacts([]byte(`{
			"facts": [],
			"reasoning": "the document discusses VAT"
		}`))
		require.Error(t, err)
		assert.Equal(t, domainerrors.CodeValidation, domainerrors.CodeOf(err))
	})

	t.Run("invalid member fact fails the whole payload", func(t *testing.T) {
		_, err := extraction.ParseCandidateFacts([]byte(`{
			"facts": [{
				"conceptSlug": "standard-vat-rate",
				"domain": "vat_rate",
				"extractedValue": "25",
				"valueType": "PERCENTAGE",
				"exactQuote": "stopa PDV-a iznosi 25%",
				"confidence": 1.7,
				"authorityLevel": "LAW",
				"riskTier": "T1",
				"effectiveFrom": "2025-01-01"
			}]
		}`))
		require.Error(t, err)
	})
}

func TestCandidateFactValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*extraction.CandidateFact)
	}{
		{"missing quote", func(f *extraction.CandidateFact) { f.ExactQuote = "" }},
		{"missing value", func(f *extraction.CandidateFact) { f.ExtractedValue = "" }},
		{"confidence below zero", func(f *extraction.CandidateFact) { f.Confidence = -0.1 }},
		{"confidence above one", func(f *extraction.CandidateFact) { f.Confidence = 1.01 }},
		{"unknown value type", func(f *extraction.CandidateFact) { f.ValueType = "RATIO" }},
		{"unknown authority", func(f *extraction.CandidateFact) { f.AuthorityLevel = "BLOG_POST" }},
		{"unknown tier", func(f *extraction.CandidateFact) { f.RiskTier = "T9" }},
		{"malformed date", func(f *extraction.CandidateFact) { f.EffectiveFrom = "01.01.2025." }},
		{"inverted window", func(f *extraction.CandidateFact) {
			f.EffectiveFrom = "2025-06-01"
			f.EffectiveUntil = "2025-01-01"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := validFact()
			tc.mutate(&f)
			err := f.Validate()
			require.Error(t, err)
			assert.Equal(t, domainerrors.CodeValidation, domainerrors.CodeOf(err))
		})
	}

	t.Run("valid fact passes", func(t *testing.T) {
		f := validFact()
		require.NoError(t, f.Validate())
	})
}

func TestPointerConstruction(t *testing.T) {
	f := validFact()
	f.EffectiveUntil = "2026-01-01"
	f.AppliesWhen = []byte(`{"op":"true"}`)
	now := time.Now().UTC()
	evID := domain.NewEvidenceID()

	p := f.Pointer(evID, now)
	assert.Equal(t, evID, p.EvidenceID)
	assert.Equal(t, rule.PointerPendingValidation, p.Status)
	assert.Equal(t, domain.ValuePercentage, p.ValueType)
	assert.Equal(t, domain.AuthorityLaw, p.ProposedAuthority)
	assert.Equal(t, domain.RiskT1, p.ProposedRiskTier)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), p.EffectiveFrom)
	require.NotNil(t, p.EffectiveUntil)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *p.EffectiveUntil)
	assert.JSONEq(t, `{"op":"true"}`, string(p.ProposedAppliesWhen))
}
