package diffusion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ollama/ldm/conditioning"
	"github.com/ollama/ldm/ml"
)

var ErrUnsupportedConditioningKey = errors.New("diffusion: unsupported conditioning key")

// Denoiser predicts noise or the clean signal for a noised batch.
type Denoiser interface {
	Predict(ctx context.Context, x *ml.Tensor, t []int, cond Conditioning) (*ml.Tensor, error)
}

// DenoiserFunc adapts a function to a Denoiser.
type DenoiserFunc func(ctx context.Context, x *ml.Tensor, t []int, cond Conditioning) (*ml.Tensor, error)

func (f DenoiserFunc) Predict(ctx context.Context, x *ml.Tensor, t []int, cond Conditioning) (*ml.Tensor, error) {
	return f(ctx, x, t, cond)
}

// Conditioning carries every input a conditioning key may consume. Which
// fields are read depends on the key.
type Conditioning struct {
	// Concat is stacked onto the latent along the channel axis.
	Concat []*ml.Tensor

	// CrossAttn is the context of cross-attention layers.
	CrossAttn *conditioning.Bundle

	// Class is the class-label (adm) input.
	Class *ml.Tensor
}

// Batch returns the conditioning batch size, or 0 when there is none.
func (c Conditioning) Batch() int {
	switch {
	case c.CrossAttn != nil:
		return c.CrossAttn.Batch()
	case len(c.Concat) > 0:
		return c.Concat[0].Batch()
	case c.Class != nil:
		return c.Class.Batch()
	}
	return 0
}

// ConditioningKey selects how conditioning reaches the network.
type ConditioningKey int

const (
	KeyNone ConditioningKey = iota
	KeyConcat
	KeyCrossAttn
	KeyHybrid
	KeyADM
)

func (k ConditioningKey) String() string {
	switch k {
	case KeyNone:
		return "none"
	case KeyConcat:
		return "concat"
	case KeyCrossAttn:
		return "crossattn"
	case KeyHybrid:
		return "hybrid"
	case KeyADM:
		return "adm"
	default:
		return fmt.Sprintf("ConditioningKey(%d)", int(k))
	}
}

func ParseConditioningKey(s string) (ConditioningKey, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return KeyNone, nil
	case "concat":
		return KeyConcat, nil
	case "crossattn":
		return KeyCrossAttn, nil
	case "hybrid":
		return KeyHybrid, nil
	case "adm":
		return KeyADM, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedConditioningKey, s)
	}
}

// NetworkInput is what the noise-prediction network receives besides x and t.
type NetworkInput struct {
	Context *conditioning.Bundle
	Y       *ml.Tensor
}

// Network is the noise-prediction network.
type Network interface {
	Forward(ctx context.Context, x *ml.Tensor, t []int, in NetworkInput) (*ml.Tensor, error)
}

// Wrapper routes Conditioning into a Network according to its key.
type Wrapper struct {
	Key ConditioningKey
	Net Network
}

func NewWrapper(key ConditioningKey, net Network) (*Wrapper, error) {
	if key < KeyNone || key > KeyADM {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedConditioningKey, key)
	}

	slog.Info("diffusion wrapper", "conditioning_key", key)
	return &Wrapper{Key: key, Net: net}, nil
}

func (w *Wrapper) Predict(ctx context.Context, x *ml.Tensor, t []int, cond Conditioning) (*ml.Tensor, error) {
	if n := cond.Batch(); n != 0 && n != x.Batch() {
		return nil, fmt.Errorf("%w: conditioning batch %d for latent batch %d", ml.ErrShapeMismatch, n, x.Batch())
	}

	switch w.Key {
	case KeyNone:
		return w.Net.Forward(ctx, x, t, NetworkInput{})
	case KeyConcat:
		xc, err := concatChannels(x, cond.Concat)
		if err != nil {
			return nil, err
		}
		return w.Net.Forward(ctx, xc, t, NetworkInput{})
	case KeyCrossAttn:
		return w.Net.Forward(ctx, x, t, NetworkInput{Context: cond.CrossAttn})
	case KeyHybrid:
		xc, err := concatChannels(x, cond.Concat)
		if err != nil {
			return nil, err
		}
		return w.Net.Forward(ctx, xc, t, NetworkInput{Context: cond.CrossAttn})
	case KeyADM:
		return w.Net.Forward(ctx, x, t, NetworkInput{Y: cond.Class})
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedConditioningKey, w.Key)
	}
}

func concatChannels(x *ml.Tensor, cs []*ml.Tensor) (*ml.Tensor, error) {
	if len(cs) == 0 {
		return nil, fmt.Errorf("%w: concat conditioning is empty", ml.ErrShapeMismatch)
	}
	return ml.Concat(1, append([]*ml.Tensor{x}, cs...)...)
}
