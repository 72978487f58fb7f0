package conditioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ollama/ldm/ml"
)

var ErrRoleSize = ml.ErrRoleSize

// TextEncoder encodes prompts into token embeddings. With a manager the
// subject tokens are replaced by personalized embeddings, and the layer
// dimension of layerwise embeddings is folded into the batch, prompt major.
type TextEncoder interface {
	Encode(ctx context.Context, prompts []string, m EmbeddingManager) (*ml.Tensor, error)
}

// EmbeddingManager owns the personalized token embeddings.
type EmbeddingManager interface {
	EmbeddingParameters() []*ml.Tensor

	// CompositionDeltaLoss compares subject and class deltas of the static
	// embeddings, or of the cached ada embeddings when useAda is set.
	CompositionDeltaLoss(useAda bool, static *ml.Tensor) (float64, error)
	EmbeddingToLoss() (float64, error)

	InitAdaCache()
	SetImageMask(mask *ml.Tensor)
	SetAdaLayerTempInfo(layer int, feat, timeEmb *ml.Tensor, backprop bool)
	CacheAdaEmbedding(layer int, emb *ml.Tensor)
	AdaEmbeddingWeight() float64
}

// TokenTable receives generated basis vectors for a placeholder token.
type TokenTable interface {
	SetTokenEmbedding(token string, embs *ml.Tensor) error
}

type Options struct {
	UseLayerwise bool
	UseAda       bool

	// Layers is the number of embeddings a layerwise encoder returns per
	// prompt.
	Layers int

	MixWeightMax float64
}

func DefaultOptions() Options {
	return Options{Layers: 16, MixWeightMax: 0.4}
}

type Mixer struct {
	Encoder TextEncoder
	Manager EmbeddingManager

	opts Options
}

func NewMixer(encoder TextEncoder, manager EmbeddingManager, opts Options) (*Mixer, error) {
	if encoder == nil {
		return nil, errors.New("conditioning: text encoder is required")
	}

	if opts.UseAda && !opts.UseLayerwise {
		slog.Warn("ada embeddings need layerwise embeddings, disabling ada")
		opts.UseAda = false
	}
	if opts.UseAda && manager == nil {
		return nil, errors.New("conditioning: ada embeddings need an embedding manager")
	}

	if !opts.UseLayerwise || opts.Layers < 1 {
		opts.Layers = 1
	}

	return &Mixer{Encoder: encoder, Manager: manager, opts: opts}, nil
}

func (m *Mixer) Layers() int {
	return m.opts.Layers
}

func (m *Mixer) UseAda() bool {
	return m.opts.UseAda
}

func (m *Mixer) MixWeightMax() float64 {
	return m.opts.MixWeightMax
}

func (m *Mixer) extra(ctx context.Context, mode IterType, mask *ml.Tensor) *ExtraInfo {
	extra := &ExtraInfo{
		IterType:     mode,
		UseLayerwise: m.opts.UseLayerwise,
		UseAda:       m.opts.UseAda,
		Features:     NewFeatureCache(),
	}

	if m.opts.UseAda {
		m.Manager.InitAdaCache()
		m.Manager.SetImageMask(mask)
		extra.Ada = func(prompts []string, layer int, feat, timeEmb *ml.Tensor, backprop bool) (*AdaEmbedding, error) {
			return m.AdaConditioning(ctx, prompts, layer, feat, timeEmb, backprop)
		}
	}

	return extra
}

// Encode returns the conditioning of a normal reconstruction step. Without
// a manager it is a plain embedding.
func (m *Mixer) Encode(ctx context.Context, prompts []string, mask *ml.Tensor) (*Bundle, error) {
	emb, err := m.Encoder.Encode(ctx, prompts, m.Manager)
	if err != nil {
		return nil, fmt.Errorf("encode prompts: %w", err)
	}

	if m.Manager == nil {
		return Plain(emb), nil
	}

	return &Bundle{Static: emb, Prompts: prompts, Extra: m.extra(ctx, NormalRecon, mask)}, nil
}

// AdaConditioning encodes prompts for one denoiser layer and caches the
// result for the composition delta loss.
func (m *Mixer) AdaConditioning(ctx context.Context, prompts []string, layer int, feat, timeEmb *ml.Tensor, backprop bool) (*AdaEmbedding, error) {
	if m.Manager == nil {
		return nil, errors.New("conditioning: ada embeddings need an embedding manager")
	}

	m.Manager.SetAdaLayerTempInfo(layer, feat, timeEmb, backprop)
	emb, err := m.Encoder.Encode(ctx, prompts, m.Manager)
	if err != nil {
		return nil, fmt.Errorf("ada conditioning layer %d: %w", layer, err)
	}

	m.Manager.CacheAdaEmbedding(layer, emb)
	return &AdaEmbedding{Embedding: emb, Weight: m.Manager.AdaEmbeddingWeight()}, nil
}

type ComposeInput struct {
	Prompts Prompts

	// Images is the number of images in the data batch.
	Images int
	Mask   *ml.Tensor

	MixWeight float64
}

type Composition struct {
	Bundle *Bundle

	// Static is the embedding of all four roles, for the composition delta
	// loss.
	Static *ml.Tensor
}

// Compose encodes the four prompt roles in one call, splits them back and
// builds the conditioning of mode.
func (m *Mixer) Compose(ctx context.Context, mode IterType, in ComposeInput) (*Composition, error) {
	all, err := in.Prompts.Join()
	if err != nil {
		return nil, err
	}

	layers := m.opts.Layers
	static, err := m.Encoder.Encode(ctx, all, m.Manager)
	if err != nil {
		return nil, fmt.Errorf("encode prompts: %w", err)
	}

	if static.Batch() != len(all)*layers {
		return nil, fmt.Errorf("%w: %d embeddings for %d prompts of %d layers", ErrRoleSize, static.Batch(), len(all), layers)
	}

	emb, err := DeltaRoles.Split(static)
	if err != nil {
		return nil, err
	}

	mask, err := maskFor(mode, in.Mask)
	if err != nil {
		return nil, err
	}

	p := in.Prompts
	var bundle Bundle
	switch mode {
	case PromptMixReg:
		half := max(in.Images/2, 1)
		if half > p.Len() {
			return nil, fmt.Errorf("%w: %d prompts for %d images", ErrRoleSize, p.Len(), in.Images)
		}

		p = p.Head(half)
		for role, e := range emb {
			if emb[role], err = e.SliceBatch(0, half*layers); err != nil {
				return nil, err
			}
		}

		singleMix, err := MixEmbeddings(emb[SubjSingle], emb[ClsSingle], in.MixWeight)
		if err != nil {
			return nil, err
		}

		compMix, err := MixEmbeddings(emb[SubjComp], emb[ClsComp], in.MixWeight)
		if err != nil {
			return nil, err
		}

		// Unmixed embeddings are tiled along the tokens to the mixed length.
		subjSingle, err := emb[SubjSingle].Tile(1, 2)
		if err != nil {
			return nil, err
		}

		subjComp, err := emb[SubjComp].Tile(1, 2)
		if err != nil {
			return nil, err
		}

		if bundle.Static, err = MixRoles.Join(map[Role]*ml.Tensor{
			SubjSingle: subjSingle,
			SubjComp:   subjComp,
			MixSingle:  singleMix.Detach(),
			MixComp:    compMix.Detach(),
		}); err != nil {
			return nil, err
		}

		// The last block re-encodes the subject compositions for the ada
		// embeddings of the mixed compositions.
		bundle.Prompts = concatStrings(p.SubjSingle, p.SubjComps, p.ClsSingle, p.SubjComps)
		bundle.Extra = m.extra(ctx, mode, mask)
		bundle.Extra.AdaBackprop = true
		bundle.Extra.StopGrad = []bool{false, false, true, true}
	case AdaDeltaReg:
		if bundle.Static, err = AdaRoles.Join(map[Role]*ml.Tensor{
			SubjSingle: emb[SubjSingle],
			SubjComp:   emb[SubjComp],
		}); err != nil {
			return nil, err
		}

		bundle.Prompts = concatStrings(p.SubjSingle, p.SubjComps)
		bundle.Extra = m.extra(ctx, mode, mask)
		bundle.Extra.StopGrad = []bool{false, false}
	case NormalRecon:
		n := p.Len()
		if in.Images > 0 {
			n = min(n, in.Images)
		}
		if bundle.Static, err = emb[SubjSingle].SliceBatch(0, n*layers); err != nil {
			return nil, err
		}

		bundle.Prompts = concatStrings(p.SubjSingle[:n])
		bundle.Extra = m.extra(ctx, mode, mask)
		bundle.Extra.StopGrad = []bool{false}
	default:
		return nil, fmt.Errorf("conditioning: unknown iteration type %v", mode)
	}

	bundle.Extra.ClsSingle = p.ClsSingle
	bundle.Extra.ClsComps = p.ClsComps

	return &Composition{Bundle: &bundle, Static: static}, nil
}

// maskFor lays out the image mask like the denoiser batch of mode.
func maskFor(mode IterType, mask *ml.Tensor) (*ml.Tensor, error) {
	if mask == nil {
		return nil, nil
	}

	switch mode {
	case AdaDeltaReg:
		return mask.RepeatBatch(2)
	case PromptMixReg:
		half, err := mask.SliceBatch(0, max(mask.Batch()/2, 1))
		if err != nil {
			return nil, err
		}
		return half.RepeatBatch(4)
	default:
		return mask, nil
	}
}

func concatStrings(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// OrthoSubtract removes from every vector of a, along the last axis, its
// projection onto the matching vector of b. Vectors of b that are zero
// leave a unchanged.
func OrthoSubtract(a, b *ml.Tensor) (*ml.Tensor, error) {
	if !ml.SameShape(a, b) {
		return nil, fmt.Errorf("%w: ortho subtract %v and %v", ml.ErrShapeMismatch, a.Shape(), b.Shape())
	}

	shape := a.Shape()
	d := shape[len(shape)-1]

	out := a.Clone()
	av, bv, ov := a.Floats(), b.Floats(), out.Floats()
	for i := 0; i < len(av); i += d {
		bb := floats.Dot(bv[i:i+d], bv[i:i+d])
		if bb == 0 {
			continue
		}
		floats.AddScaled(ov[i:i+d], -floats.Dot(av[i:i+d], bv[i:i+d])/bb, bv[i:i+d])
	}
	return out, nil
}

// MixEmbeddings appends to c1, along the token axis, the part of c2
// orthogonal to c1 scaled by w.
func MixEmbeddings(c1, c2 *ml.Tensor, w float64) (*ml.Tensor, error) {
	ortho, err := OrthoSubtract(c2, c1)
	if err != nil {
		return nil, err
	}
	return ml.Concat(1, c1, ml.Scale(ortho, w))
}

// MixWeight is the class embedding weight of a prompt mix step. It decays
// from maxWeight to 0 along a half cosine over training progress in [0, 1]. A
// non-nil lrLambda, the learning rate relative to its base, replaces the
// cosine.
func MixWeight(maxWeight, progress float64, lrLambda *float64) float64 {
	if maxWeight <= 0 {
		return 0
	}

	f := 0.5 * (1 + math.Cos(math.Pi*clamp(progress, 0, 1)))
	if lrLambda != nil {
		f = clamp(*lrLambda, 0, 1)
	}
	return clamp(maxWeight*f, 0, maxWeight)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
