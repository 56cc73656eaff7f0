// Package vectorvalidate implements C3, the vector validator: dimension,
// finiteness, norm, entropy, and anomaly checks guarding against malformed
// or adversarially crafted embeddings before they reach C8.
package vectorvalidate

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/errs"
)

// Stats captures the diagnostic signals computed over a candidate vector.
type Stats struct {
	Dimension  int
	Mean       float64
	Variance   float64
	L2Norm     float64
	Entropy    float64
	ZeroRatio  float64
	SpikeRatio float64
	Outliers   int
}

// Validator checks embeddings against configured bounds and maintains a
// bounded trust cache of known-good vector hashes to short-circuit repeat
// validation of exact duplicates.
type Validator struct {
	cfg   config.ValidatorConfig
	trust *lru.Cache[string, struct{}]
}

// New constructs a Validator. cfg.TrustCacheSize <= 0 disables the trust
// cache short-circuit.
func New(cfg config.ValidatorConfig) (*Validator, error) {
	v := &Validator{cfg: cfg}
	if cfg.TrustCacheSize > 0 {
		c, err := lru.New[string, struct{}](cfg.TrustCacheSize)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "construct trust cache", err)
		}
		v.trust = c
	}
	return v, nil
}

// Validate checks a single embedding vector, returning its computed Stats on
// success or a ValidationError describing the first violated invariant.
func (v *Validator) Validate(vec []float32) (Stats, error) {
	if key, ok := v.trustKey(vec); ok {
		if _, hit := v.trust.Get(key); hit {
			return computeStatsSigma(vec, v.sigma()), nil
		}
	}

	dim := len(vec)
	if dim < v.cfg.MinDimension || dim > v.cfg.MaxDimension {
		return Stats{}, errs.New(errs.KindValidation, "vector dimension out of bounds")
	}

	allZero := true
	for _, x := range vec {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Stats{}, errs.New(errs.KindValidation, "vector contains NaN or Inf")
		}
		if x != 0 {
			allZero = false
		}
	}
	if allZero {
		return Stats{}, errs.New(errs.KindValidation, "vector is all-zero")
	}

	stats := computeStatsSigma(vec, v.sigma())

	if stats.L2Norm < v.cfg.MinNorm || stats.L2Norm > v.cfg.MaxNorm {
		return Stats{}, errs.New(errs.KindValidation, "vector L2 norm out of bounds")
	}
	if stats.ZeroRatio > v.cfg.MaxZeroRatio {
		return Stats{}, errs.New(errs.KindValidation, "vector zero-ratio exceeds threshold")
	}
	if stats.Entropy < v.cfg.MinEntropy {
		return Stats{}, errs.New(errs.KindValidation, "vector entropy below threshold")
	}
	if stats.Variance < v.cfg.MinVariance {
		return Stats{}, errs.New(errs.KindValidation, "vector variance below threshold")
	}
	if stats.SpikeRatio > v.cfg.MaxSpikeRatio {
		return Stats{}, errs.New(errs.KindValidation, "vector spike-ratio exceeds threshold")
	}
	if hasRepeatedWindowPattern(vec) {
		return Stats{}, errs.New(errs.KindValidation, "vector exhibits repeated windowed pattern")
	}

	if key, ok := v.trustKey(vec); ok {
		v.trust.Add(key, struct{}{})
	}
	return stats, nil
}

// ValidateAll validates every vector, stopping at the first failure. This
// backs the Ingestion Coordinator's batch embedding check (§4.11 step 6).
func (v *Validator) ValidateAll(vecs [][]float32) ([]Stats, error) {
	out := make([]Stats, 0, len(vecs))
	for i, vec := range vecs {
		st, err := v.Validate(vec)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "vector at index "+strconv.Itoa(i)+" rejected", err)
		}
		out = append(out, st)
	}
	return out, nil
}

func (v *Validator) trustKey(vec []float32) (string, bool) {
	if v.trust == nil {
		return "", false
	}
	h := sha256.New()
	buf := make([]byte, 4)
	for _, x := range vec {
		bits := math.Float32bits(x)
		buf[0] = byte(bits)
		buf[1] = byte(bits >> 8)
		buf[2] = byte(bits >> 16)
		buf[3] = byte(bits >> 24)
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil)), true
}

func (v *Validator) sigma() float64 {
	if v.cfg.SpikeSigma > 0 {
		return v.cfg.SpikeSigma
	}
	return 6
}

func computeStatsSigma(vec []float32, sigma float64) Stats {
	n := len(vec)
	if n == 0 {
		return Stats{}
	}

	var sum float64
	for _, x := range vec {
		sum += float64(x)
	}
	mean := sum / float64(n)

	var sqSum, sumSq float64
	zeroCount := 0
	for _, x := range vec {
		f := float64(x)
		d := f - mean
		sqSum += d * d
		sumSq += f * f
		if x == 0 {
			zeroCount++
		}
	}
	variance := sqSum / float64(n)
	l2 := math.Sqrt(sumSq)
	stddev := math.Sqrt(variance)

	spikes := 0
	if stddev > 0 {
		for _, x := range vec {
			if math.Abs(float64(x)-mean) > sigma*stddev {
				spikes++
			}
		}
	}

	return Stats{
		Dimension:  n,
		Mean:       mean,
		Variance:   variance,
		L2Norm:     l2,
		Entropy:    distinctValueEntropy(vec),
		ZeroRatio:  float64(zeroCount) / float64(n),
		SpikeRatio: float64(spikes) / float64(n),
		Outliers:   spikes,
	}
}

// distinctValueEntropy computes Shannon entropy (bits) over the distribution
// of distinct quantized values, a cheap signal that a vector is not a
// degenerate or padded fill.
func distinctValueEntropy(vec []float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	counts := make(map[float32]int, len(vec))
	for _, x := range vec {
		counts[quantize(x)]++
	}
	n := float64(len(vec))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func quantize(x float32) float32 {
	return float32(math.Round(float64(x)*1e4) / 1e4)
}

// hasRepeatedWindowPattern flags vectors built from a short repeating
// window, a common signature of a padded or mechanically crafted embedding
// intended to poison similarity search.
func hasRepeatedWindowPattern(vec []float32) bool {
	n := len(vec)
	for _, window := range []int{2, 4, 8, 16} {
		if n < window*4 || n%window != 0 {
			continue
		}
		repeats := true
		for i := window; i < n; i++ {
			if vec[i] != vec[i%window] {
				repeats = false
				break
			}
		}
		if repeats {
			return true
		}
	}
	return false
}

