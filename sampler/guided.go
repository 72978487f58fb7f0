package sampler

import (
	"context"
	"fmt"

	"github.com/ollama/ldm/diffusion"
	"github.com/ollama/ldm/ml"
)

type guidanceRole string

const (
	Uncond guidanceRole = "uncond"
	Cond   guidanceRole = "cond"
)

// GuidanceRoles is the block order of a guided conditioning batch.
var GuidanceRoles = ml.NewRoles(Uncond, Cond)

// Guided is a classifier-free guidance denoiser. Its conditioning must be
// pre-expanded to twice the latent batch, unconditional block first. The
// latent batch is duplicated and both variants run in one call to the
// wrapped denoiser.
type Guided struct {
	Denoiser diffusion.Denoiser
	Scale    float64
}

func (g Guided) Predict(ctx context.Context, x *ml.Tensor, t []int, cond diffusion.Conditioning) (*ml.Tensor, error) {
	if cb := cond.Batch(); cb != 2*x.Batch() {
		return nil, fmt.Errorf("%w: guided conditioning batch %d for latent batch %d", ml.ErrShapeMismatch, cb, x.Batch())
	}

	in, err := GuidanceRoles.Join(map[guidanceRole]*ml.Tensor{Uncond: x, Cond: x})
	if err != nil {
		return nil, err
	}

	out, err := g.Denoiser.Predict(ctx, in, append(append([]int(nil), t...), t...), cond)
	if err != nil {
		return nil, err
	}

	parts, err := GuidanceRoles.Split(out)
	if err != nil {
		return nil, err
	}

	// uncond + scale·(cond − uncond)
	delta, err := ml.Sub(parts[Cond], parts[Uncond])
	if err != nil {
		return nil, err
	}
	return ml.AddScaled(parts[Uncond], g.Scale, delta)
}
