package vectorvalidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koriath/raketh/internal/config"
)

func testConfig() config.ValidatorConfig {
	return config.ValidatorConfig{
		MinDimension:   4,
		MaxDimension:   4096,
		MinNorm:        0.01,
		MaxNorm:        100,
		MaxZeroRatio:   0.9,
		MinEntropy:     0.1,
		MinVariance:    1e-9,
		SpikeSigma:     6,
		MaxSpikeRatio:  0.5,
		TrustCacheSize: 16,
	}
}

func randomish(n int, seed float32) []float32 {
	out := make([]float32, n)
	x := seed
	for i := range out {
		x = x*1.0003 + 0.0171
		for x > 1 {
			x -= 1
		}
		out[i] = x - 0.5
	}
	return out
}

func TestValidateAcceptsWellFormedVector(t *testing.T) {
	v, err := New(testConfig())
	require.NoError(t, err)

	stats, err := v.Validate(randomish(128, 0.37))
	require.NoError(t, err)
	assert.Equal(t, 128, stats.Dimension)
	assert.Greater(t, stats.L2Norm, 0.0)
}

func TestValidateRejectsDimensionOutOfBounds(t *testing.T) {
	v, err := New(testConfig())
	require.NoError(t, err)

	_, err = v.Validate(randomish(2, 0.1))
	assert.Error(t, err)
}

func TestValidateRejectsAllZero(t *testing.T) {
	v, err := New(testConfig())
	require.NoError(t, err)

	_, err = v.Validate(make([]float32, 64))
	assert.Error(t, err)
}

func TestValidateRejectsNaN(t *testing.T) {
	v, err := New(testConfig())
	require.NoError(t, err)

	vec := randomish(16, 0.2)
	vec[3] = float32(nan())
	_, err = v.Validate(vec)
	assert.Error(t, err)
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestValidateRejectsRepeatedWindowPattern(t *testing.T) {
	v, err := New(testConfig())
	require.NoError(t, err)

	vec := make([]float32, 32)
	window := []float32{0.1, -0.2, 0.3, 0.05}
	for i := range vec {
		vec[i] = window[i%len(window)]
	}
	_, err = v.Validate(vec)
	assert.Error(t, err)
}

func TestValidateRejectsZeroRatioExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxZeroRatio = 0.2
	v, err := New(cfg)
	require.NoError(t, err)

	vec := randomish(20, 0.6)
	for i := 0; i < 18; i++ {
		vec[i] = 0
	}
	_, err = v.Validate(vec)
	assert.Error(t, err)
}

func TestValidateAllStopsAtFirstFailure(t *testing.T) {
	v, err := New(testConfig())
	require.NoError(t, err)

	vecs := [][]float32{
		randomish(64, 0.11),
		make([]float32, 64),
		randomish(64, 0.53),
	}
	_, err = v.ValidateAll(vecs)
	assert.Error(t, err)
}

func TestValidateTrustCacheShortCircuitsRepeat(t *testing.T) {
	v, err := New(testConfig())
	require.NoError(t, err)

	vec := randomish(32, 0.8)
	_, err = v.Validate(vec)
	require.NoError(t, err)

	// Second call should hit the trust cache and still succeed.
	stats, err := v.Validate(vec)
	require.NoError(t, err)
	assert.Equal(t, 32, stats.Dimension)
}
