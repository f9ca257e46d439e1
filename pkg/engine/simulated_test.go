package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sfmsession/sessiond/pkg/config"
	"github.com/sfmsession/sessiond/pkg/reconstruction"
)

var _ SfmEngine = (*Simulated)(nil)

func TestSimulatedExtractFeaturesIdempotent(t *testing.T) {
	s := NewSimulated()
	require.NoError(t, s.ExtractFeatures(context.Background(), []string{"a.jpg", "a.jpg"}))
	assert.True(t, s.extracted["a.jpg"])
}

func TestSimulatedFindInitialPairNeedsTwoCandidates(t *testing.T) {
	s := NewSimulated()
	result, err := s.FindInitialPair(context.Background(), []int{1}, nil, config.DefaultMapperConfig())
	require.NoError(t, err)
	assert.Equal(t, config.StatusNoInitialPair, result.Status)

	result, err = s.FindInitialPair(context.Background(), []int{3, 1}, nil, config.DefaultMapperConfig())
	require.NoError(t, err)
	assert.Equal(t, config.StatusSuccess, result.Status)
	assert.Equal(t, 1, result.ImageA)
	assert.Equal(t, 3, result.ImageB)
}

func TestSimulatedRegisterNextImageFailOnceThenSucceeds(t *testing.T) {
	s := NewSimulated()
	s.FailOnce[5] = true
	recon := reconstruction.New()

	assert.False(t, s.RegisterNextImage(context.Background(), recon, 5))
	assert.False(t, recon.IsRegistered(5))

	assert.True(t, s.RegisterNextImage(context.Background(), recon, 5))
	assert.True(t, recon.IsRegistered(5))
}

func TestSimulatedRegisterNextImageFailAlways(t *testing.T) {
	s := NewSimulated()
	s.FailAlways[9] = true
	recon := reconstruction.New()

	assert.False(t, s.RegisterNextImage(context.Background(), recon, 9))
	assert.False(t, s.RegisterNextImage(context.Background(), recon, 9))
	assert.False(t, recon.IsRegistered(9))
}

func TestSimulatedTriangulateDefaultsToFourPoints(t *testing.T) {
	s := NewSimulated()
	recon := reconstruction.New()
	added := s.Triangulate(context.Background(), recon, 1)
	assert.Equal(t, 4, added)
	assert.Equal(t, 4, recon.NumPoints3D())
}

func TestSimulatedCheckRunGlobalRefinement(t *testing.T) {
	s := NewSimulated()
	recon := reconstruction.New()
	for i := 0; i < 6; i++ {
		recon.Register(i)
	}
	assert.True(t, s.CheckRunGlobalRefinement(recon, 0, 0))
	assert.False(t, s.CheckRunGlobalRefinement(recon, 5, 0))
}
