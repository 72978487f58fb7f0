// Package loss builds the training objective of a diffusion step: the
// reconstruction and variational terms, and the compositional
// regularizations of personalized conditioning.
package loss

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/ollama/ldm/conditioning"
	"github.com/ollama/ldm/diffusion"
	"github.com/ollama/ldm/envconfig"
	"github.com/ollama/ldm/ml"
)

type Type string

const (
	L1 Type = "l1"
	L2 Type = "l2"
)

var ErrUnknownLossType = errors.New("loss: unknown loss type")

type Options struct {
	Type Type

	LSimpleWeight      float64
	OriginalELBOWeight float64

	EmbeddingRegWeight        float64
	CompositionDeltaRegWeight float64
	PromptMixRegWeight        float64

	// LayerWeights weighs the denoiser feature layers the prompt mix loss
	// is computed on. Other layers are skipped.
	LayerWeights map[int]float64

	// PromptMixScale is the summed weight of all prompt mix layers.
	PromptMixScale  float64
	ChanLocalityMax float64

	// NoiseImageProb is the chance that a prompt mix step after warm-up
	// trains on uniform noise instead of the batch images.
	NoiseImageProb float64

	Policy Policy
}

func DefaultOptions() Options {
	return Options{
		Type:            L2,
		LSimpleWeight:   1,
		LayerWeights:    map[int]float64{7: 1, 8: 1, 12: 0.5, 16: 0.25},
		PromptMixScale:  1e-3,
		ChanLocalityMax: 5,
		NoiseImageProb:  0.75,
		Policy:          DefaultPolicy(),
	}
}

type Composer struct {
	core  *diffusion.Core
	mixer *conditioning.Mixer
	opts  Options
	src   ml.Source
}

// New builds a composer. mixer may be nil for an unconditional model, in
// which case no regularization can be enabled.
func New(core *diffusion.Core, mixer *conditioning.Mixer, opts Options) (*Composer, error) {
	if opts.Type != L1 && opts.Type != L2 {
		return nil, fmt.Errorf("%w %q", ErrUnknownLossType, opts.Type)
	}

	for name, w := range map[string]float64{
		"embedding_reg_weight":              opts.EmbeddingRegWeight,
		"composition_delta_reg_weight":      opts.CompositionDeltaRegWeight,
		"composition_prompt_mix_reg_weight": opts.PromptMixRegWeight,
		"ada_delta_policy_weight":           opts.Policy.AdaDeltaWeight,
		"prompt_mix_policy_weight":          opts.Policy.PromptMixWeight,
	} {
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("loss: %s must not be negative, got %v", name, w)
		}
	}

	needManager := opts.EmbeddingRegWeight > 0 || opts.CompositionDeltaRegWeight > 0
	if needManager && (mixer == nil || mixer.Manager == nil) {
		return nil, errors.New("loss: embedding regularization needs an embedding manager")
	}
	if opts.PromptMixRegWeight > 0 && mixer == nil {
		return nil, errors.New("loss: prompt mix regularization needs a conditioning mixer")
	}

	slog.Info("loss composer", "type", opts.Type, "parameterization", core.Parameterization,
		"comp_delta_reg", opts.CompositionDeltaRegWeight, "prompt_mix_reg", opts.PromptMixRegWeight,
		"iter_gap", opts.Policy.IterGap)

	return &Composer{core: core, mixer: mixer, opts: opts, src: core.Source}, nil
}

// Enabled reports the regularizations the configured weights turn on.
func (c *Composer) Enabled() Enabled {
	e := Enabled{
		CompDelta: c.opts.CompositionDeltaRegWeight > 0,
		PromptMix: c.opts.PromptMixRegWeight > 0,
	}
	if c.mixer != nil {
		e.Ada = c.mixer.UseAda()
	}
	return e
}

// Batch is one training batch.
type Batch struct {
	Image    *ml.Tensor
	Captions conditioning.Captions

	// Mask restricts the reconstruction loss. It has the latent spatial
	// size and one channel.
	Mask *ml.Tensor
}

type StepInfo struct {
	Step int

	// Progress is the fraction of training done, in [0, 1].
	Progress float64

	// LRLambda is the current learning rate relative to the base rate.
	// When set it drives the prompt mix weight instead of Progress.
	LRLambda *float64
}

// TrainingStep selects the regularizations of the step and computes its loss.
func (c *Composer) TrainingStep(ctx context.Context, b Batch, info StepInfo) (float64, *Breakdown, error) {
	flags := c.opts.Policy.Select(info.Step, c.Enabled(), c.src)
	slog.Debug("training step", "step", info.Step, "mode", flags.Mode(), "static_delta", flags.StaticDeltaReg)

	loss, bd, err := c.step(ctx, b, flags, info, "train")
	if err != nil {
		return 0, nil, fmt.Errorf("step %d: %w", info.Step, err)
	}

	bd.Log(ctx, slog.LevelDebug, "loss")
	return loss, bd, nil
}

// Step computes the loss of one training step with the given flags.
func (c *Composer) Step(ctx context.Context, b Batch, flags Flags, info StepInfo) (float64, *Breakdown, error) {
	return c.step(ctx, b, flags, info, "train")
}

// Validate computes the validation loss without regularization, then again
// under EMA weights when the core keeps them. EMA keys end in "_ema".
func (c *Composer) Validate(ctx context.Context, b Batch, info StepInfo) (*Breakdown, error) {
	_, bd, err := c.step(ctx, b, Flags{}, info, "val")
	if err != nil {
		return nil, err
	}

	if c.core.EMA == nil {
		return bd, nil
	}

	err = c.core.WithEMA(ctx, "validation", func(ctx context.Context) error {
		_, ema, err := c.step(ctx, b, Flags{}, info, "val")
		if err != nil {
			return err
		}
		bd.merge(ema, "_ema")
		return nil
	})
	if err != nil {
		return nil, err
	}

	return bd, nil
}

func (c *Composer) step(ctx context.Context, b Batch, flags Flags, info StepInfo, prefix string) (float64, *Breakdown, error) {
	if err := flags.Valid(); err != nil {
		return 0, nil, err
	}
	mode := flags.Mode()

	img := b.Image
	if mode == conditioning.PromptMixReg && info.Step >= c.opts.Policy.WarmUpSteps && !envconfig.Deterministic() &&
		ml.Float64(c.src) < c.opts.NoiseImageProb {
		img = ml.Uniform(c.src, -1, 1, img.Shape()...)
	}

	x, err := c.core.EncodeFirstStage(ctx, img)
	if err != nil {
		return 0, nil, err
	}
	n := x.Batch()

	if b.Mask != nil && b.Mask.Batch() != n {
		return 0, nil, fmt.Errorf("%w: mask batch %d for %d images", ml.ErrShapeMismatch, b.Mask.Batch(), n)
	}

	bundle, static, err := c.conditioning(ctx, b, flags, info, n)
	if err != nil {
		return 0, nil, err
	}

	t := ml.RandInts(c.src, n, c.core.Timesteps())
	noise := ml.RandnLike(c.src, x)
	xNoisy, err := c.core.Forward.QSample(x, t, noise)
	if err != nil {
		return 0, nil, err
	}

	xIn, tIn, mask := xNoisy, t, b.Mask
	switch mode {
	case conditioning.AdaDeltaReg:
		// Both halves see the same noisy latents and differ only in their
		// conditioning.
		if xIn, err = xNoisy.RepeatBatch(conditioning.AdaRoles.Len()); err != nil {
			return 0, nil, err
		}
		tIn = repeatInts(t, conditioning.AdaRoles.Len())
	case conditioning.PromptMixReg:
		half := max(n/2, 1)
		head, err := xNoisy.SliceBatch(0, half)
		if err != nil {
			return 0, nil, err
		}
		if xIn, err = head.RepeatBatch(conditioning.MixRoles.Len()); err != nil {
			return 0, nil, err
		}
		tIn = repeatInts(t[:half], conditioning.MixRoles.Len())
	}

	var cond diffusion.Conditioning
	if bundle != nil {
		cond.CrossAttn = bundle
	}

	out, err := c.core.Denoiser.Predict(ctx, xIn, tIn, cond)
	if err != nil {
		return 0, nil, fmt.Errorf("denoiser: %w", err)
	}
	if !ml.SameShape(out, xIn) {
		return 0, nil, fmt.Errorf("%w: denoiser returned %v for input %v", ml.ErrShapeMismatch, out.Shape(), xIn.Shape())
	}

	bd := newBreakdown(prefix)
	var loss float64
	if mode == conditioning.PromptMixReg {
		if bundle == nil || bundle.Extra == nil {
			return 0, nil, errors.New("loss: prompt mix step without conditioning features")
		}

		reg, err := c.promptMix(ctx, bundle.Extra.Features)
		if err != nil {
			return 0, nil, err
		}
		bd.set("loss_prompt_mix_reg", reg)
		loss = c.opts.PromptMixRegWeight * reg
	} else {
		if mode == conditioning.AdaDeltaReg {
			// The composition half only produced ada embeddings.
			parts, err := conditioning.AdaRoles.Split(out)
			if err != nil {
				return 0, nil, err
			}
			out = parts[conditioning.SubjSingle]
		}

		target := noise
		if c.core.Parameterization == diffusion.X0 {
			target = x
		}

		if loss, err = c.reconstruction(out, target, t, mask, bd); err != nil {
			return 0, nil, err
		}
	}

	if c.opts.EmbeddingRegWeight > 0 {
		reg, err := c.mixer.Manager.EmbeddingToLoss()
		if err != nil {
			return 0, nil, fmt.Errorf("embedding loss: %w", err)
		}
		bd.set("loss_emb_reg", reg)
		loss += c.opts.EmbeddingRegWeight * reg
	}

	if flags.StaticDeltaReg && c.opts.CompositionDeltaRegWeight > 0 && static != nil {
		reg, err := c.mixer.Manager.CompositionDeltaLoss(flags.AdaDeltaReg, static)
		if err != nil {
			return 0, nil, fmt.Errorf("composition delta loss: %w", err)
		}
		bd.set("loss_comp_delta_reg", reg)
		loss += c.opts.CompositionDeltaRegWeight * reg
	}

	bd.set("loss", loss)
	return loss, bd, nil
}

// conditioning builds the step conditioning. Regularized steps encode all
// four prompt roles; the full static embedding is returned for the delta
// loss.
func (c *Composer) conditioning(ctx context.Context, b Batch, flags Flags, info StepInfo, images int) (*conditioning.Bundle, *ml.Tensor, error) {
	if c.mixer == nil {
		return nil, nil, nil
	}

	if !flags.StaticDeltaReg && !flags.PromptMixReg {
		bundle, err := c.mixer.Encode(ctx, b.Captions.SubjSingle, b.Mask)
		return bundle, nil, err
	}

	mode := flags.Mode()
	prompts, err := conditioning.BuildPrompts(b.Captions, mode)
	if err != nil {
		return nil, nil, err
	}

	comp, err := c.mixer.Compose(ctx, mode, conditioning.ComposeInput{
		Prompts:   prompts,
		Images:    images,
		Mask:      b.Mask,
		MixWeight: conditioning.MixWeight(c.mixer.MixWeightMax(), info.Progress, info.LRLambda),
	})
	if err != nil {
		return nil, nil, err
	}

	return comp.Bundle, comp.Static, nil
}

// reconstruction adds loss_simple, loss_gamma and loss_vlb to bd and
// returns their weighted sum.
func (c *Composer) reconstruction(out, target *ml.Tensor, t []int, mask *ml.Tensor, bd *Breakdown) (float64, error) {
	if mask != nil {
		m, err := broadcastChannels(mask, target)
		if err != nil {
			return 0, err
		}
		if target, err = ml.Mul(target, m); err != nil {
			return 0, err
		}
		if out, err = ml.Mul(out, m); err != nil {
			return 0, err
		}
	}

	pointwise, err := c.pointwise(out, target)
	if err != nil {
		return 0, err
	}

	simple := ml.MeanPerSample(pointwise)
	bd.set("loss_simple", stat.Mean(simple, nil))

	logvar := c.core.LogvarAt(t)
	gamma := make([]float64, len(simple))
	for i, l := range simple {
		gamma[i] = l/math.Exp(logvar[i]) + logvar[i]
	}
	if c.core.LearnLogvar {
		bd.set("loss_gamma", stat.Mean(gamma, nil))
		bd.m.Set("logvar", stat.Mean(c.core.Logvar, nil))
	}
	loss := c.opts.LSimpleWeight * stat.Mean(gamma, nil)

	vlb := make([]float64, len(simple))
	for i, l := range simple {
		vlb[i] = c.core.Schedule.LVLBWeights[t[i]] * l
	}
	lossVLB := stat.Mean(vlb, nil)
	bd.set("loss_vlb", lossVLB)
	loss += c.opts.OriginalELBOWeight * lossVLB

	return loss, nil
}

func (c *Composer) pointwise(pred, target *ml.Tensor) (*ml.Tensor, error) {
	diff, err := ml.Sub(target, pred)
	if err != nil {
		return nil, err
	}

	switch c.opts.Type {
	case L1:
		return ml.Abs(diff), nil
	default:
		return ml.Square(diff), nil
	}
}

// broadcastChannels tiles a one channel mask over the channels of like.
func broadcastChannels(mask, like *ml.Tensor) (*ml.Tensor, error) {
	if ml.SameShape(mask, like) {
		return mask, nil
	}

	ms, ls := mask.Shape(), like.Shape()
	if len(ms) != len(ls) || len(ms) < 2 || ms[1] != 1 || !slices.Equal(ms[2:], ls[2:]) || ms[0] != ls[0] {
		return nil, fmt.Errorf("%w: mask %v for %v", ml.ErrShapeMismatch, ms, ls)
	}
	return mask.Tile(1, ls[1])
}

func repeatInts(s []int, n int) []int {
	out := make([]int, 0, len(s)*n)
	for range n {
		out = append(out, s...)
	}
	return out
}

func layerWeightSum(w map[int]float64) float64 {
	var sum float64
	for _, k := range slices.Sorted(maps.Keys(w)) {
		sum += w[k]
	}
	return sum
}
