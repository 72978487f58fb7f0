// Package ml holds the dense float64 tensor used by the diffusion core.
//
// Tensors are batch-major: the leading axis is always the batch. Storage is a
// row-major *tensor.Dense from github.com/pdevine/tensor.
package ml

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pdevine/tensor"
)

var (
	ErrShapeMismatch = errors.New("ml: shape mismatch")
	ErrBatchRange    = errors.New("ml: batch range out of bounds")
)

type Tensor struct {
	d *tensor.Dense

	// detached marks a tensor whose gradient is stopped by the training
	// backend. The flag survives Clone and shape ops but not arithmetic.
	detached bool
}

// New creates a tensor of the given shape. data is used as backing storage
// when it is non-nil and must hold exactly shape.TotalSize() elements.
func New(shape []int, data []float64) (*Tensor, error) {
	if len(shape) == 0 {
		shape = []int{1}
	}

	n := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("%w: non-positive dimension in %v", ErrShapeMismatch, shape)
		}
		n *= dim
	}

	if data == nil {
		data = make([]float64, n)
	} else if len(data) != n {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}

	return &Tensor{d: tensor.New(tensor.WithShape(slices.Clone(shape)...), tensor.WithBacking(data))}, nil
}

// MustNew is New for shapes that are known to be valid.
func MustNew(shape []int, data []float64) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape ...int) *Tensor {
	return MustNew(shape, nil)
}

func Full(v float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Floats() {
		t.Floats()[i] = v
	}
	return t
}

func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.Shape()...)
}

func (t *Tensor) Shape() []int {
	return slices.Clone([]int(t.d.Shape()))
}

func (t *Tensor) Dims() int {
	return t.d.Dims()
}

func (t *Tensor) Len() int {
	return t.d.Shape().TotalSize()
}

// Batch is the size of the leading axis.
func (t *Tensor) Batch() int {
	return t.d.Shape()[0]
}

// Floats returns the backing storage. Writes are visible through t.
func (t *Tensor) Floats() []float64 {
	return t.d.Data().([]float64)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{d: t.d.Clone().(*tensor.Dense), detached: t.detached}
}

// Detach returns a copy whose gradient is stopped.
func (t *Tensor) Detach() *Tensor {
	c := t.Clone()
	c.detached = true
	return c
}

func (t *Tensor) Detached() bool {
	return t.detached
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape())
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.Shape(), b.Shape())
}

func checkSameShape(a, b *Tensor) error {
	if !SameShape(a, b) {
		return fmt.Errorf("%w: %v and %v", ErrShapeMismatch, a.Shape(), b.Shape())
	}
	return nil
}

// Reshape returns a copy of t with a new shape of the same total size.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	c := t.d.Clone().(*tensor.Dense)
	if err := c.Reshape(shape...); err != nil {
		return nil, fmt.Errorf("%w: reshape %v to %v: %v", ErrShapeMismatch, t.Shape(), shape, err)
	}
	return &Tensor{d: c, detached: t.detached}, nil
}

// SampleSize is the number of elements in one batch entry.
func (t *Tensor) SampleSize() int {
	return t.Len() / t.Batch()
}

// SliceBatch returns a copy of batch entries [lo, hi). The leading axis is
// kept even when hi-lo is 1.
func (t *Tensor) SliceBatch(lo, hi int) (*Tensor, error) {
	if lo < 0 || hi > t.Batch() || lo >= hi {
		return nil, fmt.Errorf("%w: [%d:%d] of %d", ErrBatchRange, lo, hi, t.Batch())
	}

	row := t.SampleSize()
	shape := t.Shape()
	shape[0] = hi - lo

	out, err := New(shape, slices.Clone(t.Floats()[lo*row:hi*row]))
	if err != nil {
		return nil, err
	}
	out.detached = t.detached
	return out, nil
}

// Sample returns batch entry i with the leading axis kept.
func (t *Tensor) Sample(i int) (*Tensor, error) {
	return t.SliceBatch(i, i+1)
}

// Concat joins tensors along axis. All other dimensions must match.
//
// Blocks are copied over the backing arrays: the dense engine's own Concat
// squeezes size-1 axes while slicing and reshapes row-vector inputs in place.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShapeMismatch)
	}

	base := ts[0].Shape()
	if axis < 0 || axis >= len(base) {
		return nil, fmt.Errorf("%w: concat axis %d of %v", ErrShapeMismatch, axis, base)
	}

	outer, inner := 1, 1
	for _, dim := range base[:axis] {
		outer *= dim
	}
	for _, dim := range base[axis+1:] {
		inner *= dim
	}

	shape := slices.Clone(base)
	shape[axis] = 0
	detached := true
	for _, t := range ts {
		s := t.Shape()
		if len(s) != len(base) || !slices.Equal(s[:axis], base[:axis]) || !slices.Equal(s[axis+1:], base[axis+1:]) {
			return nil, fmt.Errorf("%w: concat %v with %v on axis %d", ErrShapeMismatch, base, s, axis)
		}
		shape[axis] += s[axis]
		detached = detached && t.detached
	}

	out, err := New(shape, nil)
	if err != nil {
		return nil, err
	}

	dst := out.Floats()
	stride := shape[axis] * inner
	offset := 0
	for _, t := range ts {
		block := t.Shape()[axis] * inner
		src := t.Floats()
		for o := range outer {
			copy(dst[o*stride+offset:o*stride+offset+block], src[o*block:(o+1)*block])
		}
		offset += block
	}

	out.detached = detached
	return out, nil
}

// Tile repeats t n times along axis: [a b] becomes [a b a b].
func (t *Tensor) Tile(axis, n int) (*Tensor, error) {
	if n < 1 {
		return nil, fmt.Errorf("ml: invalid tile count %d", n)
	}

	parts := make([]*Tensor, n)
	for i := range parts {
		parts[i] = t
	}
	return Concat(axis, parts...)
}

// RepeatBatch tiles the whole batch n times.
func (t *Tensor) RepeatBatch(n int) (*Tensor, error) {
	return t.Tile(0, n)
}

// Permute returns a copy of t with its axes reordered.
func (t *Tensor) Permute(axes ...int) (*Tensor, error) {
	c := t.d.Clone().(*tensor.Dense)
	if err := c.T(axes...); err != nil {
		return nil, fmt.Errorf("%w: permute %v by %v: %v", ErrShapeMismatch, t.Shape(), axes, err)
	}
	if err := c.Transpose(); err != nil {
		return nil, err
	}
	return &Tensor{d: c, detached: t.detached}, nil
}
