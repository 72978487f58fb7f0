package checkpoint

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/ollama/ldm/ml"
)

// LoadTorch reads a torch checkpoint. Lightning checkpoints keep the weights
// under a "state_dict" entry; plain state dicts are read as is.
func LoadTorch(path string) (StateDict, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, err
	}

	dict, ok := pt.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("checkpoint: unsupported torch container %T", pt)
	}

	if inner, ok := dict.Get("state_dict"); ok {
		if dict, ok = inner.(*types.Dict); !ok {
			return nil, fmt.Errorf("checkpoint: unsupported state_dict container %T", inner)
		}
	}

	sd := make(StateDict)
	for _, k := range dict.Keys() {
		name, ok := k.(string)
		if !ok {
			continue
		}

		t, ok := dict.MustGet(k).(*pytorch.Tensor)
		if !ok {
			// global_step, epoch and other scalars
			continue
		}

		tensor, err := torchTensor(t)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		sd[name] = tensor
	}

	return sd, nil
}

func torchTensor(t *pytorch.Tensor) (*ml.Tensor, error) {
	var get func(int) float64
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		get = func(i int) float64 { return float64(s.Data[i]) }
	case *pytorch.HalfStorage:
		get = func(i int) float64 { return float64(s.Data[i]) }
	case *pytorch.BFloat16Storage:
		get = func(i int) float64 { return float64(s.Data[i]) }
	case *pytorch.DoubleStorage:
		get = func(i int) float64 { return s.Data[i] }
	default:
		return nil, fmt.Errorf("unsupported storage %T", t.Source)
	}

	shape := t.Size
	if len(shape) == 0 {
		shape = []int{1}
	}

	n := 1
	for _, dim := range shape {
		n *= dim
	}

	strides := t.Stride
	if len(strides) != len(shape) {
		strides = contiguousStrides(shape)
	}

	values := make([]float64, n)
	index := make([]int, len(shape))
	for i := range values {
		offset := t.StorageOffset
		for d := range index {
			offset += index[d] * strides[d]
		}
		values[i] = get(offset)

		for d := len(index) - 1; d >= 0; d-- {
			index[d]++
			if index[d] < shape[d] {
				break
			}
			index[d] = 0
		}
	}

	return ml.New(shape, values)
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}
