package diffusion

import (
	"fmt"
	"math"

	"github.com/ollama/ldm/ml"
	"github.com/ollama/ldm/schedule"
)

// Forward is the fixed noising chain q(x_t | x_0) and its posterior.
type Forward struct {
	Schedule *schedule.Schedule
	Source   ml.Source
}

func NewForward(s *schedule.Schedule, src ml.Source) *Forward {
	return &Forward{Schedule: s, Source: src}
}

func checkBatch(x *ml.Tensor, t []int) error {
	if x.Batch() != len(t) {
		return fmt.Errorf("%w: %d timesteps for batch %d", ml.ErrShapeMismatch, len(t), x.Batch())
	}
	return nil
}

// combine returns a[t]*x + b[t]*y per batch entry.
func combine(a []float64, x *ml.Tensor, b []float64, y *ml.Tensor, t []int) (*ml.Tensor, error) {
	if err := checkBatch(x, t); err != nil {
		return nil, err
	}

	ax, err := ml.ScaleBatch(x, a, t)
	if err != nil {
		return nil, err
	}

	by, err := ml.ScaleBatch(y, b, t)
	if err != nil {
		return nil, err
	}

	return ml.Add(ax, by)
}

// QSample draws x_t = sqrt(ᾱ_t)·x0 + sqrt(1-ᾱ_t)·noise. A nil noise is drawn
// from a standard normal.
func (f *Forward) QSample(x0 *ml.Tensor, t []int, noise *ml.Tensor) (*ml.Tensor, error) {
	if noise == nil {
		noise = ml.RandnLike(f.Source, x0)
	}
	return combine(f.Schedule.SqrtAlphasCumprod, x0, f.Schedule.SqrtOneMinusAlphasCumprod, noise, t)
}

// QMeanVariance returns the mean, variance and log variance of q(x_t | x_0).
func (f *Forward) QMeanVariance(x0 *ml.Tensor, t []int) (mean, variance, logVariance *ml.Tensor, err error) {
	if err := checkBatch(x0, t); err != nil {
		return nil, nil, nil, err
	}

	if mean, err = ml.ScaleBatch(x0, f.Schedule.SqrtAlphasCumprod, t); err != nil {
		return nil, nil, nil, err
	}

	oneMinus := make([]float64, f.Schedule.Timesteps)
	for i, ac := range f.Schedule.AlphasCumprod {
		oneMinus[i] = 1 - ac
	}

	if variance, err = ml.Extract(oneMinus, t, x0.Shape()); err != nil {
		return nil, nil, nil, err
	}

	if logVariance, err = ml.Extract(f.Schedule.LogOneMinusAlphasCumprod, t, x0.Shape()); err != nil {
		return nil, nil, nil, err
	}

	return mean, variance, logVariance, nil
}

// QPosterior returns the mean, variance and clipped log variance of
// q(x_{t-1} | x_t, x_0).
func (f *Forward) QPosterior(x0, xt *ml.Tensor, t []int) (mean, variance, logVariance *ml.Tensor, err error) {
	if !ml.SameShape(x0, xt) {
		return nil, nil, nil, fmt.Errorf("%w: x0 %v and x_t %v", ml.ErrShapeMismatch, x0.Shape(), xt.Shape())
	}

	if mean, err = combine(f.Schedule.PosteriorMeanCoef1, x0, f.Schedule.PosteriorMeanCoef2, xt, t); err != nil {
		return nil, nil, nil, err
	}

	if variance, err = ml.Extract(f.Schedule.PosteriorVariance, t, xt.Shape()); err != nil {
		return nil, nil, nil, err
	}

	if logVariance, err = ml.Extract(f.Schedule.PosteriorLogVarianceClipped, t, xt.Shape()); err != nil {
		return nil, nil, nil, err
	}

	return mean, variance, logVariance, nil
}

// PredictStartFromNoise inverts QSample: x0 = x_t/sqrt(ᾱ_t) - eps·sqrt(1/ᾱ_t - 1).
func (f *Forward) PredictStartFromNoise(xt *ml.Tensor, t []int, eps *ml.Tensor) (*ml.Tensor, error) {
	return combine(f.Schedule.SqrtRecipAlphasCumprod, xt, negate(f.Schedule.SqrtRecipm1AlphasCumprod), eps, t)
}

// PredictEpsFromStart solves QSample for the noise given x0.
func (f *Forward) PredictEpsFromStart(xt *ml.Tensor, t []int, x0 *ml.Tensor) (*ml.Tensor, error) {
	scaled, err := combine(f.Schedule.SqrtRecipAlphasCumprod, xt, negate(ones(f.Schedule.Timesteps)), x0, t)
	if err != nil {
		return nil, err
	}

	recip := make([]float64, f.Schedule.Timesteps)
	for i, v := range f.Schedule.SqrtRecipm1AlphasCumprod {
		recip[i] = 1 / v
	}

	return ml.ScaleBatch(scaled, recip, t)
}

// PriorBPD is KL(q(x_T | x_0) || N(0, I)) in bits per dimension, per sample.
// It does not depend on the denoiser.
func (f *Forward) PriorBPD(x0 *ml.Tensor) ([]float64, error) {
	t := ml.ConstInts(x0.Batch(), f.Schedule.Timesteps-1)

	mean, _, logVariance, err := f.QMeanVariance(x0, t)
	if err != nil {
		return nil, err
	}

	zeros := ml.ZerosLike(x0)
	kl, err := NormalKL(mean, logVariance, zeros, zeros)
	if err != nil {
		return nil, err
	}

	bpd := ml.MeanPerSample(kl)
	for i := range bpd {
		bpd[i] /= math.Ln2
	}
	return bpd, nil
}

// NormalKL is the elementwise KL divergence between two Gaussians given by
// their means and log variances.
func NormalKL(mean1, logVar1, mean2, logVar2 *ml.Tensor) (*ml.Tensor, error) {
	for _, x := range []*ml.Tensor{logVar1, mean2, logVar2} {
		if !ml.SameShape(mean1, x) {
			return nil, fmt.Errorf("%w: %v and %v", ml.ErrShapeMismatch, mean1.Shape(), x.Shape())
		}
	}

	out := ml.ZerosLike(mean1)
	m1, lv1, m2, lv2 := mean1.Floats(), logVar1.Floats(), mean2.Floats(), logVar2.Floats()
	for i := range out.Floats() {
		d := m1[i] - m2[i]
		out.Floats()[i] = 0.5 * (-1 + lv2[i] - lv1[i] + math.Exp(lv1[i]-lv2[i]) + d*d*math.Exp(-lv2[i]))
	}
	return out, nil
}

func negate(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = -x
	}
	return out
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
