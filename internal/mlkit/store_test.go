package mlkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/semantic"
)

func TestStoreCreatesModelsOnFirstUse(t *testing.T) {
	s := NewStore(semantic.NewHashEmbedder(64))

	a := s.Anomaly("cpu-temp")
	assert.Same(t, a, s.Anomaly("cpu-temp"))

	c := s.Classifier("intent-tags")
	assert.Same(t, c, s.Classifier("intent-tags"))

	a.Fit([]float64{48, 50, 52})
	require.NoError(t, c.Fit("greeting", []string{"hello there"}))

	infos := s.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "anomaly", infos[0].Kind)
	assert.Equal(t, "cpu-temp", infos[0].Name)
	assert.EqualValues(t, 3, infos[0].Samples)
	assert.Equal(t, "classifier", infos[1].Kind)
	assert.Equal(t, map[string]int{"greeting": 1}, infos[1].Labels)
}

func TestStoreDrop(t *testing.T) {
	s := NewStore(semantic.NewHashEmbedder(64))
	s.Anomaly("doomed").Fit([]float64{1, 2})

	assert.True(t, s.Drop("doomed"))
	assert.False(t, s.Drop("doomed"))
	assert.Empty(t, s.List())
}
