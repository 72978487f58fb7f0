package diffusion

import (
	"context"
	"fmt"

	"github.com/ollama/ldm/ml"
)

// FirstStage is the autoencoder between image and latent space. Encode may
// return either a *ml.Tensor or a Distribution.
type FirstStage interface {
	Encode(ctx context.Context, x *ml.Tensor) (any, error)
	Decode(ctx context.Context, z *ml.Tensor) (*ml.Tensor, error)
}

// Distribution is a latent posterior returned by a FirstStage encoder.
type Distribution interface {
	Sample(src ml.Source) (*ml.Tensor, error)
	Mode() (*ml.Tensor, error)
}

// Latent draws a latent from an encoder output.
func Latent(enc any, src ml.Source) (*ml.Tensor, error) {
	switch v := enc.(type) {
	case *ml.Tensor:
		return v, nil
	case Distribution:
		return v.Sample(src)
	default:
		return nil, fmt.Errorf("diffusion: encoder output of type %T not implemented", enc)
	}
}

// DiagonalGaussian is a Distribution with per-element mean and log variance,
// the posterior of a KL-regularized autoencoder.
type DiagonalGaussian struct {
	Mean   *ml.Tensor
	LogVar *ml.Tensor
}

func (g DiagonalGaussian) Sample(src ml.Source) (*ml.Tensor, error) {
	std := ml.Exp(ml.Scale(ml.Clamp(g.LogVar, -30, 20), 0.5))

	noise, err := ml.Mul(std, ml.RandnLike(src, g.Mean))
	if err != nil {
		return nil, err
	}
	return ml.Add(g.Mean, noise)
}

func (g DiagonalGaussian) Mode() (*ml.Tensor, error) {
	return g.Mean.Clone(), nil
}
