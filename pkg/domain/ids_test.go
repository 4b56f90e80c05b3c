package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDs(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseRuleID("")
		require.Error(t, err)
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseRuleID("not-a-uuid")
		require.Error(t, err)
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		raw := uuid.New()
		id, err := ParseRuleID(raw.String())
		require.NoError(t, err)
		assert.Equal(t, RuleID(raw), id)
	})

	t.Run("round-trips through String", func(t *testing.T) {
		id := NewPointerID()
		parsed, err := ParsePointerID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})
}

func TestIsNil(t *testing.T) {
	assert.True(t, RuleID{}.IsNil())
	assert.False(t, NewRuleID().IsNil())
	assert.True(t, EvidenceID(uuid.Nil).IsNil())
}

// TestTypeDistinction verifies the compiler enforces ID type safety. If this
// compiles, distinct entities cannot be mixed up without an explicit cast.
func TestTypeDistinction(t *testing.T) {
	raw := uuid.New()
	ruleID := RuleID(raw)
	pointerID := PointerID(raw)

	// Same underlying bytes, different types; equality only after a cast.
	assert.Equal(t, uuid.UUID(ruleID), uuid.UUID(pointerID))
}
