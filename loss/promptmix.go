package loss

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/ollama/ldm/conditioning"
	"github.com/ollama/ldm/logutil"
	"github.com/ollama/ldm/ml"
)

const chanLocalityEps = 1e-3

// promptMix distills the composition delta of the mixed prompts into the
// subject prompts. Each weighted layer compares the spatially pooled
// single-to-composition feature deltas of both halves.
func (c *Composer) promptMix(ctx context.Context, features *conditioning.FeatureCache) (float64, error) {
	if features == nil || features.Len() == 0 {
		return 0, fmt.Errorf("loss: prompt mix step cached no denoiser features")
	}

	total := layerWeightSum(c.opts.LayerWeights)
	if total == 0 {
		return 0, nil
	}
	overall := c.opts.PromptMixScale / total

	var loss float64
	for _, layer := range features.Layers() {
		w, ok := c.opts.LayerWeights[layer]
		if !ok || w == 0 {
			continue
		}

		feat, _ := features.Get(layer)
		l, err := c.promptMixLayer(feat)
		if err != nil {
			return 0, fmt.Errorf("layer %d: %w", layer, err)
		}

		logutil.TraceContext(ctx, "prompt mix layer", "layer", layer, "loss", l)
		loss += l * w * overall
	}

	return loss, nil
}

func (c *Composer) promptMixLayer(feat *ml.Tensor) (float64, error) {
	if feat.Dims() < 2 {
		return 0, fmt.Errorf("%w: features %v have no channel axis", ml.ErrShapeMismatch, feat.Shape())
	}

	parts, err := conditioning.MixRoles.Split(feat)
	if err != nil {
		return 0, err
	}

	singles, err := ml.Concat(0, parts[conditioning.SubjSingle], parts[conditioning.MixSingle])
	if err != nil {
		return 0, err
	}
	chanWeights := ChannelLocality(singles, c.opts.ChanLocalityMax)

	pooled := make(map[conditioning.Role]*ml.Tensor, len(parts))
	for role, p := range parts {
		if pooled[role], err = PoolSpatial(p); err != nil {
			return 0, err
		}
	}

	mixDelta, err := conditioning.OrthoSubtract(pooled[conditioning.MixComp], pooled[conditioning.MixSingle])
	if err != nil {
		return 0, err
	}
	subjDelta, err := conditioning.OrthoSubtract(pooled[conditioning.SubjComp], pooled[conditioning.SubjSingle])
	if err != nil {
		return 0, err
	}

	pointwise, err := c.pointwise(subjDelta, mixDelta.Detach())
	if err != nil {
		return 0, err
	}

	// pointwise is [B, C]; every row is weighted by channel.
	d := pointwise.Floats()
	channels := len(chanWeights)
	weighted := make([]float64, len(d))
	for i, v := range d {
		weighted[i] = v * chanWeights[i%channels]
	}
	return stat.Mean(weighted, nil), nil
}

// ChannelLocality weighs the channels of [B, C, ...] features by how
// polarized they are: mean |x| over |mean x|, clipped at maxWeight and
// normalized to mean one. A channel of one sign gets a raw weight near one
// and an all-zero channel gets zero.
func ChannelLocality(feat *ml.Tensor, maxWeight float64) []float64 {
	shape := feat.Shape()
	b, ch := shape[0], shape[1]
	spatial := feat.Len() / (b * ch)
	d := feat.Floats()

	weights := make([]float64, ch)
	vals := make([]float64, 0, b*spatial)
	for c := range ch {
		vals = vals[:0]
		for i := range b {
			off := (i*ch + c) * spatial
			vals = append(vals, d[off:off+spatial]...)
		}

		mean := stat.Mean(vals, nil)
		var absMean float64
		for _, v := range vals {
			absMean += math.Abs(v)
		}
		absMean /= float64(len(vals))

		weights[c] = min(absMean/(math.Abs(mean)+chanLocalityEps), maxWeight)
	}

	if m := stat.Mean(weights, nil); m > 0 {
		for i := range weights {
			weights[i] /= m
		}
	}
	return weights
}

// PoolSpatial averages [B, C, ...] features over every axis after the
// channel axis, returning [B, C].
func PoolSpatial(feat *ml.Tensor) (*ml.Tensor, error) {
	shape := feat.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("%w: cannot pool %v", ml.ErrShapeMismatch, shape)
	}

	b, ch := shape[0], shape[1]
	spatial := feat.Len() / (b * ch)
	d := feat.Floats()

	out := make([]float64, b*ch)
	for i := range out {
		out[i] = stat.Mean(d[i*spatial:(i+1)*spatial], nil)
	}
	return ml.New([]int{b, ch}, out)
}
