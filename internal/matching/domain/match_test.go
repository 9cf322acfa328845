package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResume(t *testing.T) {
	r, err := NewResume("  Experienced Go engineer.  ")
	require.NoError(t, err)
	assert.Equal(t, "Experienced Go engineer.", r.Content)

	_, err = NewResume("   ")
	require.ErrorIs(t, err, ErrEmptyDocument)
}

func TestNewJobDescription(t *testing.T) {
	_, err := NewJobDescription("")
	require.ErrorIs(t, err, ErrEmptyDocument)
}

func TestCosineSimilarity(t *testing.T) {
	identical, err := CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, identical, 1e-9)

	orthogonal, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, orthogonal, 1e-9)

	opposite, err := CosineSimilarity([]float32{1, 0}, []float32{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, opposite, 1e-9)
}

func TestCosineSimilarityErrors(t *testing.T) {
	_, err := CosineSimilarity(nil, []float32{1})
	require.ErrorIs(t, err, ErrEmptyVector)

	_, err = CosineSimilarity([]float32{1, 2}, []float32{1})
	require.ErrorIs(t, err, ErrVectorDimensionMismatch)

	_, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	require.ErrorIs(t, err, ErrEmptyVector)
}

func TestMatchScore(t *testing.T) {
	assert.Equal(t, 0.0, MatchScore(-0.4))
	assert.Equal(t, 0.0, MatchScore(0))
	assert.Equal(t, 100.0, MatchScore(1))
	assert.Equal(t, 100.0, MatchScore(1.2))
	assert.Equal(t, 87.3, MatchScore(0.8734))
}
