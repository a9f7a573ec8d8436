package model

import (
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// Linear is the reference model: a next-token predictor that embeds tokens
// through a frozen random feature table and learns a vocabSize × embedDim
// output projection on top. Its trainable gradient is exactly the flat
// vocabSize × embedDim array the orchestrator segments across workers, and
// the gradient is exact, so loss decreases under small optimizer steps.
//
// The orchestrator treats it through the Model and Kernel interfaces only.
type Linear struct {
	vocabSize int
	embedDim  int
	hiddenDim int
	numLayers int
	numHeads  int

	features []float32 // vocabSize × embedDim, frozen input embeddings.
	weights  []float32 // vocabSize × embedDim, trainable output projection.

	// Adam state, touched only inside OptimizerStep.
	learningRate float32
	beta1, beta2 float32
	epsilon      float32
	m, v         []float32
	steps        int
}

// LinearConfig parameterizes the reference model.
type LinearConfig struct {
	VocabSize    int
	EmbedDim     int
	HiddenDim    int
	NumLayers    int
	NumHeads     int
	LearningRate float32
	Seed         uint64
}

// NewLinear creates and randomly initializes the reference model.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if cfg.VocabSize <= 0 || cfg.EmbedDim <= 0 {
		return nil, errors.Errorf("model dimensions must be positive: vocab=%d, embed=%d",
			cfg.VocabSize, cfg.EmbedDim)
	}
	if cfg.HiddenDim <= 0 {
		cfg.HiddenDim = cfg.EmbedDim
	}
	// The kernels use the first embedDim lanes of each position's hidden
	// window; a narrower window would run into the neighboring position.
	if cfg.HiddenDim < cfg.EmbedDim {
		return nil, errors.Errorf("hidden dimension %d must be at least the embedding dimension %d",
			cfg.HiddenDim, cfg.EmbedDim)
	}
	if cfg.NumLayers <= 0 {
		cfg.NumLayers = 1
	}
	if cfg.NumHeads <= 0 {
		cfg.NumHeads = 1
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 1e-2
	}
	n := cfg.VocabSize * cfg.EmbedDim
	t := &Linear{
		vocabSize:    cfg.VocabSize,
		embedDim:     cfg.EmbedDim,
		hiddenDim:    cfg.HiddenDim,
		numLayers:    cfg.NumLayers,
		numHeads:     cfg.NumHeads,
		features:     make([]float32, n),
		weights:      make([]float32, n),
		learningRate: cfg.LearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		m:            make([]float32, n),
		v:            make([]float32, n),
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	scale := 1 / math32.Sqrt(float32(cfg.EmbedDim))
	for i := range t.features {
		t.features[i] = (float32(rng.Float64())*2 - 1) * scale
		t.weights[i] = (float32(rng.Float64())*2 - 1) * scale
	}
	return t, nil
}

func (t *Linear) VocabSize() int { return t.vocabSize }
func (t *Linear) EmbedDim() int  { return t.embedDim }
func (t *Linear) HiddenDim() int { return t.hiddenDim }
func (t *Linear) NumLayers() int { return t.numLayers }
func (t *Linear) NumHeads() int  { return t.numHeads }

// GradientSize returns the length of the flat gradient the model consumes.
func (t *Linear) GradientSize() int { return t.vocabSize * t.embedDim }

// Steps returns how many optimizer steps have been applied.
func (t *Linear) Steps() int { return t.steps }

// OptimizerStep applies one Adam update from the consolidated gradients.
// The caller holds the model lock.
func (t *Linear) OptimizerStep(consolidated []float32) error {
	if len(consolidated) != len(t.weights) {
		return errors.Errorf("gradient length %d does not match parameter count %d",
			len(consolidated), len(t.weights))
	}
	t.steps++
	step := float32(t.steps)
	biasCorr1 := 1 - math32.Pow(t.beta1, step)
	biasCorr2 := 1 - math32.Pow(t.beta2, step)
	for i, g := range consolidated {
		t.m[i] = t.beta1*t.m[i] + (1-t.beta1)*g
		t.v[i] = t.beta2*t.v[i] + (1-t.beta2)*g*g
		mHat := t.m[i] / biasCorr1
		vHat := t.v[i] / biasCorr2
		t.weights[i] -= t.learningRate * mHat / (math32.Sqrt(vHat) + t.epsilon)
	}
	return nil
}

// Assert Linear satisfies both consumed contracts.
var (
	_ Model  = &Linear{}
	_ Kernel = &Linear{}
)
