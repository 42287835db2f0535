package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByIDAndCode(t *testing.T) {
	uk, ok := ByID(3)
	require.True(t, ok)
	assert.Equal(t, "UK", uk.Code)
	assert.Equal(t, int64(1266805602), uk.HygieneID)

	de, ok := ByCode("DE")
	require.True(t, ok)
	assert.Equal(t, 4, de.ID)
	assert.Equal(t, int64(1266778402), de.HygieneID)

	_, ok = ByID(999)
	assert.False(t, ok)
}

func TestKnownHygieneIDs(t *testing.T) {
	known := KnownHygieneIDs()
	assert.Len(t, known, 5)
	for _, m := range All() {
		assert.True(t, known[m.HygieneID], "missing hygiene id for %s", m.Code)
	}
}

func TestOrderIndex(t *testing.T) {
	assert.Equal(t, 0, OrderIndex(3))
	assert.Equal(t, 1, OrderIndex(4))
	assert.Equal(t, 4, OrderIndex(44551))
	// Unknown markets sort last.
	assert.Equal(t, len(CanonicalOrder), OrderIndex(12345))
}

func TestAllReturnsCanonicalOrder(t *testing.T) {
	all := All()
	require.Len(t, all, len(CanonicalOrder))
	for i, m := range all {
		assert.Equal(t, CanonicalOrder[i], m.ID)
	}
}

func TestCodeOfUnknown(t *testing.T) {
	assert.Equal(t, "UK", CodeOf(3))
	assert.Equal(t, "777", CodeOf(777))
}
