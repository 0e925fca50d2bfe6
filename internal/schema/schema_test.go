package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogIsValid(t *testing.T) {
	for _, r := range Catalog {
		require.NoError(t, r.Validate(), r.Name)
	}
}

func TestOrderedPutsParentsFirst(t *testing.T) {
	rels, err := Ordered([]string{RaceRecords, HorseCareers, Races, Horses})
	require.NoError(t, err)

	names := make([]string, len(rels))
	for i, r := range rels {
		names[i] = r.Name
	}
	assert.Equal(t, []string{Horses, HorseCareers, Races, RaceRecords}, names)
}

func TestOrderedRejectsUnknown(t *testing.T) {
	_, err := Ordered([]string{"owners"})
	require.Error(t, err)
}

func TestKeyIndexes(t *testing.T) {
	rel, ok := Lookup(HorseCareers)
	require.True(t, ok)
	assert.Equal(t, []int{0, 1, 2}, rel.KeyIndexes())
}
