package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinHashSignature_Deterministic(t *testing.T) {
	shingles := []string{"tool:search", "tool:fetch", "seq:search→fetch", "model:gpt-4o"}
	a := MinHashSignature(shingles)
	b := MinHashSignature(shingles)
	assert.Equal(t, a, b)
	assert.Len(t, a, SignatureWidth)
}

func TestMinHashSignature_OrderIndependent(t *testing.T) {
	a := MinHashSignature([]string{"x", "y", "z"})
	b := MinHashSignature([]string{"z", "x", "y"})
	assert.Equal(t, a, b)
}

func TestJaccardSimilarity_IdenticalSets(t *testing.T) {
	sig := MinHashSignature([]string{"a", "b", "c"})
	assert.Equal(t, 1.0, JaccardSimilarity(sig, sig))
	assert.Equal(t, 0.0, JaccardDistance(sig, sig))
}

func TestJaccardSimilarity_DisjointSets(t *testing.T) {
	a := MinHashSignature([]string{"a", "b", "c"})
	b := MinHashSignature([]string{"x", "y", "z"})
	assert.Less(t, JaccardSimilarity(a, b), 0.05)
}

func TestJaccardSimilarity_PartialOverlap(t *testing.T) {
	// |A∩B| = 3, |A∪B| = 5 → true Jaccard 0.6; MinHash estimates within
	// sampling error at K=512.
	a := MinHashSignature([]string{"a", "b", "c", "d"})
	b := MinHashSignature([]string{"a", "b", "c", "e"})
	assert.InDelta(t, 0.6, JaccardSimilarity(a, b), 0.1)
}

func TestJaccardSimilarity_WidthMismatch(t *testing.T) {
	assert.Equal(t, 0.0, JaccardSimilarity([]uint64{1, 2}, []uint64{1}))
	assert.Equal(t, 0.0, JaccardSimilarity(nil, nil))
}
