// Package diffusion composes a noise schedule, the forward process and a
// conditioned denoiser into a latent diffusion model.
package diffusion

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/ollama/ldm/checkpoint"
	"github.com/ollama/ldm/ml"
	"github.com/ollama/ldm/schedule"
)

type Parameterization = schedule.Parameterization

const (
	Eps = schedule.Eps
	X0  = schedule.X0
)

var ErrUnsupportedParameterization = schedule.ErrParameterization

type Options struct {
	Schedule schedule.Options

	LogvarInit   float64
	LearnLogvar  bool
	ClipDenoised bool

	// ScaleFactor multiplies first-stage latents. ScaleByStd replaces it
	// with 1/std of the first encoded batch.
	ScaleFactor float64
	ScaleByStd  bool

	FirstStage FirstStage
	EMA        EMA
	Source     ml.Source
}

func DefaultOptions() Options {
	return Options{
		Schedule:     schedule.DefaultOptions(),
		ClipDenoised: true,
		ScaleFactor:  1,
	}
}

type Core struct {
	Schedule *schedule.Schedule
	Forward  *Forward
	Denoiser Denoiser

	Parameterization Parameterization

	// Logvar holds one log variance per timestep. It is learned by the
	// training backend when LearnLogvar is set.
	Logvar      []float64
	LearnLogvar bool

	ClipDenoised bool

	ScaleFactor float64
	scaleByStd  bool
	calibrated  bool

	FirstStage FirstStage
	EMA        EMA
	Source     ml.Source
}

func New(opts Options, denoiser Denoiser) (*Core, error) {
	if opts.Schedule.Parameterization == "" {
		opts.Schedule.Parameterization = Eps
	}
	if !opts.Schedule.Parameterization.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedParameterization, opts.Schedule.Parameterization)
	}
	if denoiser == nil {
		return nil, fmt.Errorf("diffusion: denoiser is required")
	}

	s, err := schedule.Build(opts.Schedule)
	if err != nil {
		return nil, err
	}

	if opts.Source == nil {
		opts.Source = ml.NewSource(0)
	}
	if opts.ScaleFactor == 0 {
		opts.ScaleFactor = 1
	}

	logvar := make([]float64, s.Timesteps)
	for i := range logvar {
		logvar[i] = opts.LogvarInit
	}

	c := &Core{
		Schedule:         s,
		Forward:          NewForward(s, opts.Source),
		Denoiser:         denoiser,
		Parameterization: s.Parameterization,
		Logvar:           logvar,
		LearnLogvar:      opts.LearnLogvar,
		ClipDenoised:     opts.ClipDenoised,
		ScaleFactor:      opts.ScaleFactor,
		scaleByStd:       opts.ScaleByStd,
		FirstStage:       opts.FirstStage,
		EMA:              opts.EMA,
		Source:           opts.Source,
	}

	slog.Info("diffusion core", "parameterization", c.Parameterization, "timesteps", s.Timesteps, "learn_logvar", c.LearnLogvar)
	return c, nil
}

func (c *Core) Timesteps() int {
	return c.Schedule.Timesteps
}

// LogvarAt gathers the log variance of every timestep in t.
func (c *Core) LogvarAt(t []int) []float64 {
	out := make([]float64, len(t))
	for i, ti := range t {
		out[i] = c.Logvar[ti]
	}
	return out
}

// PredictStart runs the denoiser and converts its output into a clean
// signal estimate. The raw output is returned as well.
func (c *Core) PredictStart(ctx context.Context, x *ml.Tensor, t []int, cond Conditioning) (x0, out *ml.Tensor, err error) {
	out, err = c.Denoiser.Predict(ctx, x, t, cond)
	if err != nil {
		return nil, nil, err
	}

	if !ml.SameShape(out, x) {
		return nil, nil, fmt.Errorf("%w: denoiser returned %v for input %v", ml.ErrShapeMismatch, out.Shape(), x.Shape())
	}

	switch c.Parameterization {
	case Eps:
		x0, err = c.Forward.PredictStartFromNoise(x, t, out)
	case X0:
		x0 = out
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedParameterization, c.Parameterization)
	}
	return x0, out, err
}

// CalibrateScale sets the scale factor to 1/std(z) on the first call when
// scale-by-std is enabled. Later calls are no-ops.
func (c *Core) CalibrateScale(z *ml.Tensor) float64 {
	if c.scaleByStd && !c.calibrated {
		if std := ml.Std(z); std > 0 && !math.IsNaN(std) {
			c.ScaleFactor = 1 / std
			slog.Info("setting scale factor to 1/std of latents", "scale_factor", c.ScaleFactor)
		}
		c.calibrated = true
	}
	return c.ScaleFactor
}

// EncodeFirstStage encodes images into scaled latents.
func (c *Core) EncodeFirstStage(ctx context.Context, x *ml.Tensor) (*ml.Tensor, error) {
	if c.FirstStage == nil {
		return x, nil
	}

	enc, err := c.FirstStage.Encode(ctx, x)
	if err != nil {
		return nil, fmt.Errorf("first stage encode: %w", err)
	}

	z, err := Latent(enc, c.Source)
	if err != nil {
		return nil, err
	}

	return ml.Scale(z, c.CalibrateScale(z)), nil
}

// DecodeFirstStage decodes scaled latents into images.
func (c *Core) DecodeFirstStage(ctx context.Context, z *ml.Tensor) (*ml.Tensor, error) {
	if c.FirstStage == nil {
		return z, nil
	}

	x, err := c.FirstStage.Decode(ctx, ml.Scale(z, 1/c.ScaleFactor))
	if err != nil {
		return nil, fmt.Errorf("first stage decode: %w", err)
	}
	return x, nil
}

// Stateful is implemented by denoisers whose weights are persisted.
type Stateful interface {
	Params() map[string]*ml.Tensor
}

// Params returns every persisted tensor of the core keyed by checkpoint name.
func (c *Core) Params() map[string]*ml.Tensor {
	params := c.Schedule.Buffers()
	params["logvar"] = ml.MustNew([]int{len(c.Logvar)}, c.Logvar)

	if s, ok := c.Denoiser.(Stateful); ok {
		for k, v := range s.Params() {
			params["model."+k] = v
		}
	}

	return params
}

// Restore loads a checkpoint into the core. Keys with an ignored prefix are
// dropped; missing and unexpected keys are reported, not fatal.
func (c *Core) Restore(path string, ignore []string) (*checkpoint.Report, error) {
	sd, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}

	for _, k := range sd.Filter(ignore) {
		slog.Info("deleting key from state_dict", "key", k)
	}

	params := c.Params()
	report := checkpoint.Apply(params, sd)

	if betas, ok := sd["betas"]; ok && betas.Len() == c.Schedule.Timesteps {
		s, err := c.Schedule.WithBetas(params["betas"].Floats())
		if err != nil {
			return nil, fmt.Errorf("restore schedule: %w", err)
		}
		c.Schedule = s
		c.Forward.Schedule = s
	}

	// logvar is wrapped without a copy, so Apply already wrote through.
	slog.Info("restored checkpoint", "path", path, "missing", len(report.Missing), "unexpected", len(report.Unexpected))
	if len(report.Missing) > 0 {
		slog.Debug("missing keys", "keys", report.Missing)
	}
	if len(report.Unexpected) > 0 {
		slog.Debug("unexpected keys", "keys", report.Unexpected)
	}

	return report, nil
}
