package ml

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func binary(a, b *Tensor, fn func(dst, s []float64)) (*Tensor, error) {
	if err := checkSameShape(a, b); err != nil {
		return nil, err
	}

	out := a.Clone()
	out.detached = false
	fn(out.Floats(), b.Floats())
	return out, nil
}

func Add(a, b *Tensor) (*Tensor, error) {
	return binary(a, b, floats.Add)
}

func Sub(a, b *Tensor) (*Tensor, error) {
	return binary(a, b, floats.Sub)
}

func Mul(a, b *Tensor) (*Tensor, error) {
	return binary(a, b, floats.Mul)
}

func Div(a, b *Tensor) (*Tensor, error) {
	return binary(a, b, floats.Div)
}

// AddScaled returns a + alpha*b.
func AddScaled(a *Tensor, alpha float64, b *Tensor) (*Tensor, error) {
	return binary(a, b, func(dst, s []float64) {
		floats.AddScaled(dst, alpha, s)
	})
}

func Scale(t *Tensor, c float64) *Tensor {
	out := t.Clone()
	out.detached = false
	floats.Scale(c, out.Floats())
	return out
}

// Apply returns fn applied to every element of t.
func Apply(t *Tensor, fn func(float64) float64) *Tensor {
	out := t.Clone()
	out.detached = false
	for i, v := range out.Floats() {
		out.Floats()[i] = fn(v)
	}
	return out
}

func Clamp(t *Tensor, lo, hi float64) *Tensor {
	return Apply(t, func(v float64) float64 {
		return min(max(v, lo), hi)
	})
}

func Exp(t *Tensor) *Tensor {
	return Apply(t, math.Exp)
}

func Abs(t *Tensor) *Tensor {
	return Apply(t, math.Abs)
}

func Square(t *Tensor) *Tensor {
	return Apply(t, func(v float64) float64 { return v * v })
}

// Mean is the mean of every element.
func Mean(t *Tensor) float64 {
	return stat.Mean(t.Floats(), nil)
}

// Std is the unbiased standard deviation of every element.
func Std(t *Tensor) float64 {
	return stat.StdDev(t.Floats(), nil)
}

// MeanPerSample averages every non-batch dimension.
func MeanPerSample(t *Tensor) []float64 {
	row := t.SampleSize()
	out := make([]float64, t.Batch())
	for i := range out {
		out[i] = stat.Mean(t.Floats()[i*row:(i+1)*row], nil)
	}
	return out
}

// Extract gathers coeffs[t[i]] for every batch entry and broadcasts it over
// the remaining dimensions of shape.
func Extract(coeffs []float64, t []int, shape []int) (*Tensor, error) {
	if len(shape) == 0 || shape[0] != len(t) {
		return nil, fmt.Errorf("%w: %d timesteps for shape %v", ErrShapeMismatch, len(t), shape)
	}

	out, err := New(shape, nil)
	if err != nil {
		return nil, err
	}

	row := out.SampleSize()
	for i, ti := range t {
		if ti < 0 || ti >= len(coeffs) {
			return nil, fmt.Errorf("ml: timestep %d outside [0, %d)", ti, len(coeffs))
		}
		floats.AddConst(coeffs[ti], out.Floats()[i*row:(i+1)*row])
	}

	return out, nil
}

// ScaleBatch multiplies every entry i of x by coeffs[t[i]].
func ScaleBatch(x *Tensor, coeffs []float64, t []int) (*Tensor, error) {
	c, err := Extract(coeffs, t, x.Shape())
	if err != nil {
		return nil, err
	}
	return Mul(c, x)
}

// Lerp returns (1-mask)*a + mask*b for a mask of the same shape.
func Lerp(a, b, mask *Tensor) (*Tensor, error) {
	if err := checkSameShape(a, mask); err != nil {
		return nil, err
	}

	diff, err := Sub(b, a)
	if err != nil {
		return nil, err
	}

	masked, err := Mul(diff, mask)
	if err != nil {
		return nil, err
	}

	return Add(a, masked)
}

// ConstInts returns n copies of v.
func ConstInts(n, v int) []int {
	return slices.Repeat([]int{v}, n)
}
