package basis

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/ollama/ldm/ml"
)

const layerNormEps = 1e-5

// params collects the named tensors of a layer. Tensors share storage with
// the layer so loading a state dict writes through.
type params map[string]*ml.Tensor

func (p params) dense(name string, m *mat.Dense, shape ...int) {
	if len(shape) == 0 {
		r, c := m.Dims()
		shape = []int{r, c}
	}
	p[name] = ml.MustNew(shape, m.RawMatrix().Data)
}

func (p params) vec(name string, v []float64) {
	if v != nil {
		p[name] = ml.MustNew([]int{len(v)}, v)
	}
}

// Linear is y = x·Wᵀ + b with W stored [out, in].
type Linear struct {
	Weight *mat.Dense
	Bias   []float64
}

func newLinear(src ml.Source, in, out int, bias bool) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	m := &Linear{Weight: mat.NewDense(out, in, ml.Uniform(src, -bound, bound, out, in).Floats())}
	if bias {
		m.Bias = ml.Uniform(src, -bound, bound, out).Floats()
	}
	return m
}

func (m *Linear) Forward(x mat.Matrix) *mat.Dense {
	var y mat.Dense
	y.Mul(x, m.Weight.T())
	if m.Bias != nil {
		r, _ := y.Dims()
		for i := range r {
			floats.Add(y.RawRowView(i), m.Bias)
		}
	}
	return &y
}

func (m *Linear) params(prefix string, p params) {
	p.dense(prefix+".weight", m.Weight)
	p.vec(prefix+".bias", m.Bias)
}

// LayerNorm normalizes every row. Weight and Bias are nil without an
// elementwise affine.
type LayerNorm struct {
	Weight []float64
	Bias   []float64
}

func newLayerNorm(n int, affine bool) *LayerNorm {
	if !affine {
		return &LayerNorm{}
	}

	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return &LayerNorm{Weight: w, Bias: make([]float64, n)}
}

func (m *LayerNorm) Forward(x mat.Matrix) *mat.Dense {
	y := mat.DenseCopyOf(x)
	r, _ := y.Dims()
	for i := range r {
		row := y.RawRowView(i)
		mean, variance := stat.PopMeanVariance(row, nil)
		floats.AddConst(-mean, row)
		floats.Scale(1/math.Sqrt(variance+layerNormEps), row)
		if m.Weight != nil {
			floats.Mul(row, m.Weight)
			floats.Add(row, m.Bias)
		}
	}
	return y
}

func (m *LayerNorm) params(prefix string, p params) {
	p.vec(prefix+".weight", m.Weight)
	p.vec(prefix+".bias", m.Bias)
}

func gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

// FeedForward is LayerNorm, Linear, GELU, Linear without biases.
type FeedForward struct {
	Norm *LayerNorm
	Up   *Linear
	Down *Linear
}

func newFeedForward(src ml.Source, dim, mult int, affine bool) *FeedForward {
	inner := dim * mult
	return &FeedForward{
		Norm: newLayerNorm(dim, affine),
		Up:   newLinear(src, dim, inner, false),
		Down: newLinear(src, inner, dim, false),
	}
}

func (m *FeedForward) Forward(x mat.Matrix) *mat.Dense {
	h := m.Up.Forward(m.Norm.Forward(x))
	h.Apply(func(_, _ int, v float64) float64 { return gelu(v) }, h)
	return m.Down.Forward(h)
}

func (m *FeedForward) params(prefix string, p params) {
	m.Norm.params(prefix+".0", p)
	m.Up.params(prefix+".1", p)
	m.Down.params(prefix+".3", p)
}

// CrossAttention attends latent queries to a context with identity query
// and key projections. Nil ToV or ToOut are identities.
type CrossAttention struct {
	Heads      int
	ToV        *Linear
	ToOut      *Linear
	OutHasSkip bool
}

func (m *CrossAttention) Forward(q, context *mat.Dense) (*mat.Dense, error) {
	nq, dim := q.Dims()
	nc, cdim := context.Dims()
	if dim != cdim {
		return nil, fmt.Errorf("%w: query dim %d, context dim %d", ml.ErrShapeMismatch, dim, cdim)
	}
	if dim%m.Heads != 0 {
		return nil, fmt.Errorf("basis: dim %d is not divisible by %d heads", dim, m.Heads)
	}

	v := context
	if m.ToV != nil {
		v = m.ToV.Forward(context)
	}

	dh := dim / m.Heads
	// q and k are each scaled by dh^-0.25.
	scale := 1 / math.Sqrt(float64(dh))

	out := mat.NewDense(nq, dim, nil)
	var sim, head mat.Dense
	for h := range m.Heads {
		lo, hi := h*dh, (h+1)*dh
		qh := q.Slice(0, nq, lo, hi)
		kh := context.Slice(0, nc, lo, hi)
		vh := v.Slice(0, nc, lo, hi)

		sim.Reset()
		sim.Mul(qh, kh.T())
		sim.Scale(scale, &sim)
		for i := range nq {
			softmax(sim.RawRowView(i))
		}

		head.Reset()
		head.Mul(&sim, vh)
		out.Slice(0, nq, lo, hi).(*mat.Dense).Copy(&head)
	}

	if m.ToOut == nil {
		return out, nil
	}

	y := m.ToOut.Forward(out)
	if m.OutHasSkip {
		y.Add(y, out)
	}
	return y, nil
}

func (m *CrossAttention) params(prefix string, p params) {
	if m.ToV != nil {
		m.ToV.params(prefix+".to_v", p)
	}
	if m.ToOut != nil {
		m.ToOut.params(prefix+".to_out.0", p)
	}
}

func softmax(v []float64) {
	lse := floats.LogSumExp(v)
	for i, x := range v {
		v[i] = math.Exp(x - lse)
	}
}

// SoftAggregate merges several modes of the same rows with softmax weights
// scored by a linear function of each row.
type SoftAggregate struct {
	Score *Linear
}

func newSoftAggregate(src ml.Source, feat int) *SoftAggregate {
	return &SoftAggregate{Score: newLinear(src, feat, 1, false)}
}

func (m *SoftAggregate) Forward(modes []*mat.Dense) *mat.Dense {
	if len(modes) == 1 {
		return modes[0]
	}

	r, c := modes[0].Dims()
	w := m.Score.Weight.RawRowView(0)
	out := mat.NewDense(r, c, nil)
	scores := make([]float64, len(modes))
	for i := range r {
		for j, mode := range modes {
			scores[j] = floats.Dot(mode.RawRowView(i), w)
		}
		softmax(scores)

		row := out.RawRowView(i)
		for j, mode := range modes {
			floats.AddScaled(row, scores[j], mode.RawRowView(i))
		}
	}
	return out
}

func (m *SoftAggregate) params(prefix string, p params) {
	m.Score.params(prefix+".feat2score", p)
}

// ExpandEmbs projects one vector into n normalized vectors.
type ExpandEmbs struct {
	Proj *Linear
	Norm *LayerNorm
	n    int
}

func newExpandEmbs(src ml.Source, in, out, n int, affine bool) *ExpandEmbs {
	return &ExpandEmbs{Proj: newLinear(src, in, n*out, false), Norm: newLayerNorm(out, affine), n: n}
}

func (m *ExpandEmbs) Forward(x []float64) *mat.Dense {
	y := m.Proj.Forward(mat.NewDense(1, len(x), x))
	_, c := y.Dims()
	return m.Norm.Forward(mat.NewDense(m.n, c/m.n, y.RawMatrix().Data))
}

func (m *ExpandEmbs) params(prefix string, p params) {
	m.Proj.params(prefix+".0", p)
	m.Norm.params(prefix+".2", p)
}

// MultimodeProjection projects every row into several modes and
// aggregates them back into one.
type MultimodeProjection struct {
	Proj  *Linear
	Norm  *LayerNorm
	Agg   *SoftAggregate
	modes int
}

func newMultimodeProjection(src ml.Source, in, out, modes int, affine bool) *MultimodeProjection {
	return &MultimodeProjection{
		Proj:  newLinear(src, in, out*modes, false),
		Norm:  newLayerNorm(out, affine),
		Agg:   newSoftAggregate(src, out),
		modes: modes,
	}
}

func (m *MultimodeProjection) Forward(x mat.Matrix) *mat.Dense {
	y := m.Proj.Forward(x)
	r, c := y.Dims()
	d := c / m.modes

	modes := make([]*mat.Dense, m.modes)
	for i := range modes {
		modes[i] = m.Norm.Forward(y.Slice(0, r, i*d, (i+1)*d))
	}
	return m.Agg.Forward(modes)
}

func (m *MultimodeProjection) params(prefix string, p params) {
	m.Proj.params(prefix+".0", p)
	m.Norm.params(prefix+".2", p)
	m.Agg.params(prefix+".3", p)
}

// Lora2Hira linearly combines low rank rows into high rank rows, per mode.
type Lora2Hira struct {
	Proj  *Linear
	Norm  *LayerNorm
	Agg   *SoftAggregate
	modes int
	hira  int
}

func newLora2Hira(src ml.Source, lora, hira, dim, modes int, affine bool) *Lora2Hira {
	return &Lora2Hira{
		Proj:  newLinear(src, lora, hira*modes, false),
		Norm:  newLayerNorm(dim, affine),
		Agg:   newSoftAggregate(src, dim),
		modes: modes,
		hira:  hira,
	}
}

// Forward maps [lora, dim] to [hira, dim].
func (m *Lora2Hira) Forward(x *mat.Dense) *mat.Dense {
	y := m.Proj.Forward(x.T())
	r, _ := y.Dims()

	modes := make([]*mat.Dense, m.modes)
	for i := range modes {
		modes[i] = m.Norm.Forward(y.Slice(0, r, i*m.hira, (i+1)*m.hira).T())
	}
	return m.Agg.Forward(modes)
}

func (m *Lora2Hira) params(prefix string, p params) {
	m.Proj.params(prefix+".1", p)
	m.Norm.params(prefix+".3", p)
	m.Agg.params(prefix+".4", p)
}
