package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/property-reconciler/internal/model"
)

func fptr(v float64) *float64 { return &v }

func TestDice(t *testing.T) {
	assert.Equal(t, 1.0, Dice([]string{"A", "B"}, []string{"B", "A"}))
	assert.Equal(t, 0.0, Dice([]string{"A"}, []string{"B"}))
	assert.Equal(t, 0.0, Dice(nil, nil))
	assert.InDelta(t, 2.0*2/(3+2), Dice([]string{"A", "B", "C"}, []string{"A", "B"}), 1e-9)
	// duplicates do not count twice
	assert.Equal(t, 1.0, Dice([]string{"A", "A"}, []string{"A"}))
}

func TestProximity(t *testing.T) {
	assert.Equal(t, 1.0, Proximity(0, 50))
	assert.InDelta(t, 0.5, Proximity(25, 50), 1e-9)
	assert.Equal(t, 0.0, Proximity(80, 50))
	assert.Equal(t, 0.0, Proximity(10, 0))
}

func TestSimilarity(t *testing.T) {
	bng := func(x, y float64) model.SourceRecord {
		return model.SourceRecord{Coordinates: model.Coordinates{X: fptr(x), Y: fptr(y), System: model.CoordBNG}}
	}
	tokens := []string{"10", "DOWNING", "STREET"}

	// same place
	assert.InDelta(t, 1.0, Similarity(bng(530000, 180000), bng(530000, 180000), tokens, tokens, 50), 1e-9)
	// far apart: text only contributes its weight
	assert.InDelta(t, 0.7, Similarity(bng(530000, 180000), bng(531000, 180000), tokens, tokens, 50), 1e-9)
	// proximity disabled
	assert.InDelta(t, 1.0, Similarity(bng(530000, 180000), bng(531000, 180000), tokens, tokens, 0), 1e-9)
	// no shared system
	assert.InDelta(t, 1.0, Similarity(bng(530000, 180000), model.SourceRecord{}, tokens, tokens, 50), 1e-9)
}

func TestUnionFind(t *testing.T) {
	uf := newUnionFind(5)
	assert.True(t, uf.union(0, 1))
	assert.True(t, uf.union(3, 4))
	assert.False(t, uf.union(1, 0))
	assert.True(t, uf.union(1, 4))

	assert.Equal(t, uf.find(0), uf.find(3))
	assert.NotEqual(t, uf.find(0), uf.find(2))
	assert.Equal(t, 4, uf.setSize(4))
	assert.Equal(t, 1, uf.setSize(2))
	assert.Equal(t, 0, uf.find(4))
}
