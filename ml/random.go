package ml

import (
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Source is the random source shared by noise draws, timestep sampling and
// regularization mode selection.
type Source = rand.Source

// NewSource seeds a source. A zero seed uses the current time.
func NewSource(seed uint64) Source {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.NewSource(seed)
}

// Randn draws standard normal values of the given shape.
func Randn(src Source, shape ...int) *Tensor {
	t := Zeros(shape...)
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	for i := range t.Floats() {
		t.Floats()[i] = n.Rand()
	}
	return t
}

func RandnLike(src Source, t *Tensor) *Tensor {
	return Randn(src, t.Shape()...)
}

// Uniform draws values in [lo, hi).
func Uniform(src Source, lo, hi float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	u := distuv.Uniform{Min: lo, Max: hi, Src: src}
	for i := range t.Floats() {
		t.Floats()[i] = u.Rand()
	}
	return t
}

// Float64 draws a single value in [0, 1).
func Float64(src Source) float64 {
	return rand.New(src).Float64()
}

// RandInts draws n integers in [0, hi).
func RandInts(src Source, n, hi int) []int {
	r := rand.New(src)
	out := make([]int, n)
	for i := range out {
		out[i] = r.Intn(hi)
	}
	return out
}

// Dropout zeroes each value with probability p and scales the survivors by
// 1/(1-p).
func Dropout(src Source, t *Tensor, p float64) *Tensor {
	out := t.Clone()
	if p <= 0 {
		return out
	}
	if p >= 1 {
		return ZerosLike(t)
	}

	keep := distuv.Bernoulli{P: 1 - p, Src: src}
	for i := range out.Floats() {
		out.Floats()[i] *= keep.Rand() / (1 - p)
	}
	return out
}
