// Package sampler runs the ancestral reverse chain of a diffusion core.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ollama/ldm/diffusion"
	"github.com/ollama/ldm/format"
	"github.com/ollama/ldm/logutil"
	"github.com/ollama/ldm/ml"
)

var ErrMaskShape = errors.New("sampler: mask and reference must match the latent shape")

// ProgressFunc is called after every step with the number of completed steps.
type ProgressFunc func(step, total int)

const defaultLogEveryT = 100

type Sampler struct {
	core *diffusion.Core
}

func New(core *diffusion.Core) *Sampler {
	return &Sampler{core: core}
}

// Posterior is the model's estimate of p(x_{t-1} | x_t).
type Posterior struct {
	Mean        *ml.Tensor
	Variance    *ml.Tensor
	LogVariance *ml.Tensor

	// Start is the clean signal estimate the posterior was derived from.
	Start *ml.Tensor
}

// PMeanVariance predicts x0 from x at t, optionally clamps it to [-1, 1] and
// returns the posterior around it.
func (s *Sampler) PMeanVariance(ctx context.Context, x *ml.Tensor, t []int, cond diffusion.Conditioning, clip bool) (*Posterior, error) {
	x0, _, err := s.core.PredictStart(ctx, x, t, cond)
	if err != nil {
		return nil, err
	}

	if clip {
		x0 = ml.Clamp(x0, -1, 1)
	}

	mean, variance, logVariance, err := s.core.Forward.QPosterior(x0, x, t)
	if err != nil {
		return nil, err
	}

	return &Posterior{Mean: mean, Variance: variance, LogVariance: logVariance, Start: x0}, nil
}

type StepOptions struct {
	Clip         bool
	Temperature  float64
	NoiseDropout float64
	Source       ml.Source
}

// PSample draws x_{t-1} = mean + exp(0.5·logvar)·noise·temperature. No noise
// is added to entries at t == 0. The clean signal estimate is returned too.
func (s *Sampler) PSample(ctx context.Context, x *ml.Tensor, t []int, cond diffusion.Conditioning, opts StepOptions) (img, x0 *ml.Tensor, err error) {
	p, err := s.PMeanVariance(ctx, x, t, cond, opts.Clip)
	if err != nil {
		return nil, nil, err
	}

	src := opts.Source
	if src == nil {
		src = s.core.Source
	}

	noise := ml.Scale(ml.RandnLike(src, x), opts.Temperature)
	if opts.NoiseDropout > 0 {
		noise = ml.Dropout(src, noise, opts.NoiseDropout)
	}

	noise, err = ml.Mul(noise, ml.Exp(ml.Scale(p.LogVariance, 0.5)))
	if err != nil {
		return nil, nil, err
	}

	noise, err = ml.ScaleBatch(noise, s.nonzero(), t)
	if err != nil {
		return nil, nil, err
	}

	img, err = ml.Add(p.Mean, noise)
	if err != nil {
		return nil, nil, err
	}
	return img, p.Start, nil
}

// nonzero is 0 at t == 0 and 1 elsewhere.
func (s *Sampler) nonzero() []float64 {
	m := make([]float64, s.core.Timesteps())
	for i := 1; i < len(m); i++ {
		m[i] = 1
	}
	return m
}

type Options struct {
	// Shape of the latent batch. Ignored when XT is set.
	Shape []int
	// XT replaces the initial Gaussian noise.
	XT   *ml.Tensor
	Cond diffusion.Conditioning

	// StartT runs only the last StartT steps of the chain. Zero runs all.
	StartT    int
	LogEveryT int

	// Mask and X0 enable inpainting: after each step the entries where mask
	// is 1 are replaced by X0 noised to the current timestep.
	Mask *ml.Tensor
	X0   *ml.Tensor

	// Temperature holds one value for every step or a single value for all.
	// Nil means 1.
	Temperature  []float64
	NoiseDropout float64

	// Clip overrides the core's clip-denoised setting when set.
	Clip *bool

	ReturnIntermediates bool
	Progress            ProgressFunc
	Source              ml.Source
}

type Result struct {
	Sample *ml.Tensor
	// Intermediates holds the chain state, or the clean signal estimates
	// for progressive denoising, every LogEveryT steps.
	Intermediates []*ml.Tensor
	Steps         int
}

// Sample runs the reverse chain from noise at t = steps-1 down to t = 0.
func (s *Sampler) Sample(ctx context.Context, opts Options) (*Result, error) {
	return s.run(ctx, opts, false)
}

// Progressive runs the reverse chain and collects the clean signal
// estimate of every logged step instead of the noisy state.
func (s *Sampler) Progressive(ctx context.Context, opts Options) (*Result, error) {
	opts.ReturnIntermediates = true
	return s.run(ctx, opts, true)
}

func (s *Sampler) run(ctx context.Context, opts Options, progressive bool) (*Result, error) {
	src := opts.Source
	if src == nil {
		src = s.core.Source
	}

	img := opts.XT
	if img == nil {
		if len(opts.Shape) == 0 {
			return nil, fmt.Errorf("%w: no latent shape", ml.ErrShapeMismatch)
		}
		img = ml.Randn(src, opts.Shape...)
	}

	b := img.Batch()
	// Guided conditioning carries one block per guidance role.
	if cb := opts.Cond.Batch(); cb != 0 && cb%b != 0 {
		return nil, fmt.Errorf("%w: conditioning batch %d for latent batch %d", ml.ErrShapeMismatch, cb, b)
	}

	if opts.Mask != nil || opts.X0 != nil {
		if opts.Mask == nil || opts.X0 == nil {
			return nil, fmt.Errorf("%w: inpainting needs both a mask and a reference", ErrMaskShape)
		}
		if !ml.SameShape(opts.Mask, img) || !ml.SameShape(opts.X0, img) {
			return nil, fmt.Errorf("%w: mask %v, reference %v, latent %v", ErrMaskShape, opts.Mask.Shape(), opts.X0.Shape(), img.Shape())
		}
	}

	steps := s.core.Timesteps()
	if opts.StartT > 0 {
		steps = min(steps, opts.StartT)
	}

	temperature, err := temperatures(opts.Temperature, steps)
	if err != nil {
		return nil, err
	}

	logEvery := opts.LogEveryT
	if logEvery <= 0 {
		logEvery = defaultLogEveryT
	}

	clip := s.core.ClipDenoised
	if opts.Clip != nil {
		clip = *opts.Clip
	}

	result := Result{Steps: steps}
	if opts.ReturnIntermediates && !progressive {
		result.Intermediates = append(result.Intermediates, img)
	}

	slog.Debug("sampling", "steps", steps, "shape", img.Shape(), "progressive", progressive)
	if opts.Progress != nil {
		opts.Progress(0, steps)
	}

	for i := steps - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		ts := ml.ConstInts(b, i)
		next, x0, err := s.PSample(ctx, img, ts, opts.Cond, StepOptions{
			Clip:         clip,
			Temperature:  temperature[i],
			NoiseDropout: opts.NoiseDropout,
			Source:       src,
		})
		if err != nil {
			return nil, fmt.Errorf("step t=%d: %w", i, err)
		}
		img = next

		if opts.Mask != nil {
			orig, err := s.core.Forward.QSample(opts.X0, ts, ml.RandnLike(src, opts.X0))
			if err != nil {
				return nil, err
			}
			if img, err = ml.Lerp(img, orig, opts.Mask); err != nil {
				return nil, err
			}
		}

		if opts.ReturnIntermediates && (i%logEvery == 0 || i == steps-1) {
			if progressive {
				result.Intermediates = append(result.Intermediates, x0)
			} else {
				result.Intermediates = append(result.Intermediates, img)
			}
		}

		done := steps - i
		logutil.TraceContext(ctx, "sampler step", "t", i, "progress", format.Progress(done, steps))
		if opts.Progress != nil {
			opts.Progress(done, steps)
		}
	}

	result.Sample = img
	return &result, nil
}

func temperatures(t []float64, steps int) ([]float64, error) {
	switch len(t) {
	case 0:
		t = []float64{1}
		fallthrough
	case 1:
		out := make([]float64, steps)
		for i := range out {
			out[i] = t[0]
		}
		return out, nil
	default:
		if len(t) < steps {
			return nil, fmt.Errorf("sampler: %d temperatures for %d steps", len(t), steps)
		}
		return t, nil
	}
}
