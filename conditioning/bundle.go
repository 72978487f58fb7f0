// Package conditioning builds the text conditioning fed to the denoiser:
// role-ordered prompt batches, personalized embeddings, and the mixed
// subject/class embeddings used by compositional regularization.
package conditioning

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/v2/maps/treemap"

	"github.com/ollama/ldm/ml"
)

// IterType is the conditioning composition mode of one training step.
type IterType int

const (
	NormalRecon IterType = iota
	AdaDeltaReg
	PromptMixReg
)

func (t IterType) String() string {
	switch t {
	case NormalRecon:
		return "normal_recon"
	case AdaDeltaReg:
		return "ada_delta_reg"
	case PromptMixReg:
		return "prompt_mix_reg"
	default:
		return fmt.Sprintf("IterType(%d)", int(t))
	}
}

// Bundle is the conditioning passed to a cross-attention denoiser. A bundle
// without Extra is a plain embedding.
type Bundle struct {
	Static  *ml.Tensor
	Prompts []string
	Extra   *ExtraInfo
}

// Plain wraps an embedding without personalization.
func Plain(static *ml.Tensor) *Bundle {
	return &Bundle{Static: static}
}

// Batch is the number of prompts the bundle conditions.
func (b *Bundle) Batch() int {
	if len(b.Prompts) > 0 {
		return len(b.Prompts)
	}
	if b.Static != nil {
		return b.Static.Batch()
	}
	return 0
}

type ExtraInfo struct {
	IterType     IterType
	UseLayerwise bool
	UseAda       bool

	// AdaBackprop lets dynamic per-layer embeddings back-propagate into the
	// denoiser.
	AdaBackprop bool

	// StopGrad has one entry per role block of Static; true blocks are
	// detached on the training backend.
	StopGrad []bool

	ClsSingle []string
	ClsComps  []string

	// Ada computes the dynamic embedding for a layer. Nil when ada
	// embeddings are disabled.
	Ada AdaFunc

	Features *FeatureCache
}

// AdaFunc computes a dynamic per-layer embedding for prompts given the
// layer's input features and time embedding.
type AdaFunc func(prompts []string, layer int, feat, timeEmb *ml.Tensor, backprop bool) (*AdaEmbedding, error)

type AdaEmbedding struct {
	Embedding *ml.Tensor
	Weight    float64
}

// FeatureCache collects per-layer denoiser features during a forward pass.
// Layers iterate in ascending order.
type FeatureCache struct {
	mu sync.Mutex
	m  *treemap.Map[int, *ml.Tensor]
}

func NewFeatureCache() *FeatureCache {
	return &FeatureCache{m: treemap.New[int, *ml.Tensor]()}
}

func (c *FeatureCache) Store(layer int, feat *ml.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m.Put(layer, feat)
}

func (c *FeatureCache) Get(layer int) (*ml.Tensor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.Get(layer)
}

func (c *FeatureCache) Layers() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.Keys()
}

func (c *FeatureCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.Size()
}

func (c *FeatureCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m.Clear()
}
