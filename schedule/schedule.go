// Package schedule builds the noise schedule of a DDPM: betas, their
// cumulative products and the posterior coefficients of q(x_{t-1} | x_t, x_0).
package schedule

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/ollama/ldm/ml"
)

var (
	ErrLengthMismatch   = errors.New("schedule: betas length does not match timesteps")
	ErrInvalidSchedule  = errors.New("schedule: invalid schedule")
	ErrParameterization = errors.New("schedule: unsupported parameterization")
)

// Parameterization is what the denoiser predicts.
type Parameterization string

const (
	Eps Parameterization = "eps"
	X0  Parameterization = "x0"
)

func (p Parameterization) Valid() bool {
	return p == Eps || p == X0
}

// logFloor keeps log(posterior_variance) finite at t=0.
const logFloor = 1e-20

type Options struct {
	Family      Family
	Timesteps   int
	LinearStart float64
	LinearEnd   float64
	CosineS     float64

	// VPosterior interpolates the posterior variance between the true
	// posterior (0) and beta (1).
	VPosterior float64

	Parameterization Parameterization

	// Betas overrides Family when set. It must hold Timesteps values.
	Betas []float64
}

func DefaultOptions() Options {
	return Options{
		Family:           Linear,
		Timesteps:        1000,
		LinearStart:      1e-4,
		LinearEnd:        2e-2,
		CosineS:          DefaultCosineS,
		Parameterization: Eps,
	}
}

type Schedule struct {
	Timesteps int

	Betas                       []float64
	Alphas                      []float64
	AlphasCumprod               []float64
	AlphasCumprodPrev           []float64
	SqrtAlphasCumprod           []float64
	SqrtOneMinusAlphasCumprod   []float64
	LogOneMinusAlphasCumprod    []float64
	SqrtRecipAlphasCumprod      []float64
	SqrtRecipm1AlphasCumprod    []float64
	PosteriorVariance           []float64
	PosteriorLogVarianceClipped []float64
	PosteriorMeanCoef1          []float64
	PosteriorMeanCoef2          []float64
	LVLBWeights                 []float64

	LinearStart, LinearEnd float64
	VPosterior             float64
	Parameterization       Parameterization
}

// Build computes a Schedule. Configuration errors are returned before any
// derived sequence is computed.
func Build(opts Options) (*Schedule, error) {
	if opts.Parameterization == "" {
		opts.Parameterization = Eps
	}
	if !opts.Parameterization.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrParameterization, opts.Parameterization)
	}
	if opts.VPosterior < 0 || opts.VPosterior > 1 {
		return nil, fmt.Errorf("%w: v_posterior %v outside [0, 1]", ErrInvalidSchedule, opts.VPosterior)
	}

	betas := slices.Clone(opts.Betas)
	if betas != nil {
		if opts.Timesteps == 0 {
			opts.Timesteps = len(betas)
		}
		if len(betas) == 0 || len(betas) != opts.Timesteps {
			return nil, fmt.Errorf("%w: %d betas for %d timesteps", ErrLengthMismatch, len(betas), opts.Timesteps)
		}
	} else {
		var err error
		if betas, err = Betas(opts.Family, opts.Timesteps, opts.LinearStart, opts.LinearEnd, opts.CosineS); err != nil {
			return nil, err
		}
	}

	for i, b := range betas {
		if b < 0 || b > 1 {
			return nil, fmt.Errorf("%w: beta[%d]=%v outside [0, 1]", ErrInvalidSchedule, i, b)
		}
	}

	s := &Schedule{
		Timesteps:        len(betas),
		Betas:            betas,
		LinearStart:      opts.LinearStart,
		LinearEnd:        opts.LinearEnd,
		VPosterior:       opts.VPosterior,
		Parameterization: opts.Parameterization,
	}
	s.derive()

	if err := s.lvlb(); err != nil {
		return nil, err
	}

	slog.Debug("built noise schedule", "family", opts.Family, "timesteps", s.Timesteps, "parameterization", s.Parameterization)
	return s, nil
}

func (s *Schedule) derive() {
	n := len(s.Betas)
	v := s.VPosterior

	s.Alphas = make([]float64, n)
	for i, b := range s.Betas {
		s.Alphas[i] = 1 - b
	}

	s.AlphasCumprod = make([]float64, n)
	floats.CumProd(s.AlphasCumprod, s.Alphas)
	s.AlphasCumprodPrev = append([]float64{1}, s.AlphasCumprod[:n-1]...)

	s.SqrtAlphasCumprod = make([]float64, n)
	s.SqrtOneMinusAlphasCumprod = make([]float64, n)
	s.LogOneMinusAlphasCumprod = make([]float64, n)
	s.SqrtRecipAlphasCumprod = make([]float64, n)
	s.SqrtRecipm1AlphasCumprod = make([]float64, n)
	s.PosteriorVariance = make([]float64, n)
	s.PosteriorLogVarianceClipped = make([]float64, n)
	s.PosteriorMeanCoef1 = make([]float64, n)
	s.PosteriorMeanCoef2 = make([]float64, n)

	for i := range n {
		ac, prev, b := s.AlphasCumprod[i], s.AlphasCumprodPrev[i], s.Betas[i]

		s.SqrtAlphasCumprod[i] = math.Sqrt(ac)
		s.SqrtOneMinusAlphasCumprod[i] = math.Sqrt(1 - ac)
		s.LogOneMinusAlphasCumprod[i] = math.Log(1 - ac)
		s.SqrtRecipAlphasCumprod[i] = math.Sqrt(1 / ac)
		s.SqrtRecipm1AlphasCumprod[i] = math.Sqrt(1/ac - 1)

		s.PosteriorVariance[i] = (1-v)*b*(1-prev)/(1-ac) + v*b
		s.PosteriorLogVarianceClipped[i] = math.Log(max(s.PosteriorVariance[i], logFloor))
		s.PosteriorMeanCoef1[i] = b * math.Sqrt(prev) / (1 - ac)
		s.PosteriorMeanCoef2[i] = (1 - prev) * math.Sqrt(s.Alphas[i]) / (1 - ac)
	}
}

func (s *Schedule) lvlb() error {
	n := len(s.Betas)
	w := make([]float64, n)
	for i := range n {
		b, a, ac := s.Betas[i], s.Alphas[i], s.AlphasCumprod[i]
		switch s.Parameterization {
		case Eps:
			w[i] = b * b / (2 * s.PosteriorVariance[i] * a * (1 - ac))
		case X0:
			w[i] = 0.5 * math.Sqrt(ac) / (2 - ac)
		}
	}

	if n > 1 {
		w[0] = w[1]
	}

	if !slices.ContainsFunc(w, func(x float64) bool { return !math.IsNaN(x) }) {
		return fmt.Errorf("%w: every lvlb weight is NaN", ErrInvalidSchedule)
	}

	s.LVLBWeights = w
	return nil
}

// Buffers returns the schedule as named tensors, keyed the way checkpoints
// store them.
func (s *Schedule) Buffers() map[string]*ml.Tensor {
	buf := func(v []float64) *ml.Tensor {
		return ml.MustNew([]int{len(v)}, slices.Clone(v))
	}

	return map[string]*ml.Tensor{
		"betas":                          buf(s.Betas),
		"alphas_cumprod":                 buf(s.AlphasCumprod),
		"alphas_cumprod_prev":            buf(s.AlphasCumprodPrev),
		"sqrt_alphas_cumprod":            buf(s.SqrtAlphasCumprod),
		"sqrt_one_minus_alphas_cumprod":  buf(s.SqrtOneMinusAlphasCumprod),
		"log_one_minus_alphas_cumprod":   buf(s.LogOneMinusAlphasCumprod),
		"sqrt_recip_alphas_cumprod":      buf(s.SqrtRecipAlphasCumprod),
		"sqrt_recipm1_alphas_cumprod":    buf(s.SqrtRecipm1AlphasCumprod),
		"posterior_variance":             buf(s.PosteriorVariance),
		"posterior_log_variance_clipped": buf(s.PosteriorLogVarianceClipped),
		"posterior_mean_coef1":           buf(s.PosteriorMeanCoef1),
		"posterior_mean_coef2":           buf(s.PosteriorMeanCoef2),
		"lvlb_weights":                   buf(s.LVLBWeights),
	}
}

// WithBetas rebuilds s from a persisted beta sequence, keeping its variance
// interpolation and parameterization.
func (s *Schedule) WithBetas(betas []float64) (*Schedule, error) {
	return Build(Options{
		Timesteps:        s.Timesteps,
		LinearStart:      s.LinearStart,
		LinearEnd:        s.LinearEnd,
		VPosterior:       s.VPosterior,
		Parameterization: s.Parameterization,
		Betas:            betas,
	})
}
