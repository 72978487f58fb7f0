package conditioning

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ollama/ldm/ml"
)

const (
	testTokens = 3
	testDim    = 2
)

// lengthEncoder fills every embedding of a prompt with the prompt length.
type lengthEncoder struct {
	layers int
	calls  [][]string
	extra  int
}

func (e *lengthEncoder) Encode(_ context.Context, prompts []string, _ EmbeddingManager) (*ml.Tensor, error) {
	e.calls = append(e.calls, prompts)

	n := len(prompts)*e.layers + e.extra
	t := ml.Zeros(n, testTokens, testDim)
	row := testTokens * testDim
	for i := range n {
		v := float64(len(prompts[min(i/e.layers, len(prompts)-1)]))
		for j := range row {
			t.Floats()[i*row+j] = v
		}
	}
	return t, nil
}

type fakeManager struct {
	calls  []string
	layers []int
}

func (m *fakeManager) EmbeddingParameters() []*ml.Tensor { return nil }

func (m *fakeManager) CompositionDeltaLoss(bool, *ml.Tensor) (float64, error) { return 0, nil }

func (m *fakeManager) EmbeddingToLoss() (float64, error) { return 0, nil }

func (m *fakeManager) InitAdaCache() { m.calls = append(m.calls, "init") }

func (m *fakeManager) SetImageMask(*ml.Tensor) { m.calls = append(m.calls, "mask") }

func (m *fakeManager) SetAdaLayerTempInfo(layer int, _, _ *ml.Tensor, _ bool) {
	m.calls = append(m.calls, "temp")
	m.layers = append(m.layers, layer)
}

func (m *fakeManager) CacheAdaEmbedding(int, *ml.Tensor) { m.calls = append(m.calls, "cache") }

func (m *fakeManager) AdaEmbeddingWeight() float64 { return 0.5 }

func testPrompts() Prompts {
	return Prompts{
		SubjSingle: []string{"a z", "a zz"},
		SubjComps:  []string{"a z on the moon", "a zz in rain"},
		ClsSingle:  []string{"a dog", "a dogg"},
		ClsComps:   []string{"a dog on the moon", "a dogg in rain"},
	}
}

func newTestMixer(t *testing.T, layers int) (*Mixer, *lengthEncoder, *fakeManager) {
	t.Helper()
	enc := &lengthEncoder{layers: layers}
	man := &fakeManager{}
	m, err := NewMixer(enc, man, Options{UseLayerwise: true, UseAda: true, Layers: layers, MixWeightMax: 0.4})
	if err != nil {
		t.Fatal(err)
	}
	return m, enc, man
}

func TestComposeNormal(t *testing.T) {
	m, enc, _ := newTestMixer(t, 2)

	c, err := m.Compose(context.Background(), NormalRecon, ComposeInput{Prompts: testPrompts(), Images: 2})
	if err != nil {
		t.Fatal(err)
	}

	if len(enc.calls) != 1 || len(enc.calls[0]) != 8 {
		t.Fatalf("expected one encode call of 8 prompts, got %v", enc.calls)
	}
	if got := c.Static.Batch(); got != 16 {
		t.Errorf("full static batch = %d, want 16", got)
	}

	b := c.Bundle
	if diff := cmp.Diff([]int{4, testTokens, testDim}, b.Static.Shape()); diff != "" {
		t.Errorf("static shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a z", "a zz"}, b.Prompts); diff != "" {
		t.Errorf("prompts (-want +got):\n%s", diff)
	}
	if b.Extra.IterType != NormalRecon || b.Extra.AdaBackprop || b.Extra.Ada == nil {
		t.Errorf("unexpected extra info %+v", b.Extra)
	}
}

func TestComposeAdaDelta(t *testing.T) {
	m, _, man := newTestMixer(t, 1)

	mask := ml.Full(1, 2, 1, 4, 4)
	c, err := m.Compose(context.Background(), AdaDeltaReg, ComposeInput{Prompts: testPrompts(), Images: 2, Mask: mask})
	if err != nil {
		t.Fatal(err)
	}

	b := c.Bundle
	if got := b.Static.Batch(); got != 4 {
		t.Errorf("static batch = %d, want 4", got)
	}
	if diff := cmp.Diff([]float64{3, 4, 15, 12}, firstValues(t, b.Static)); diff != "" {
		t.Errorf("static role order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a z", "a zz", "a z on the moon", "a zz in rain"}, b.Prompts); diff != "" {
		t.Errorf("prompts (-want +got):\n%s", diff)
	}
	if b.Extra.AdaBackprop {
		t.Errorf("ada delta steps must not back-propagate ada embeddings")
	}
	if diff := cmp.Diff([]string{"init", "mask"}, man.calls); diff != "" {
		t.Errorf("manager calls (-want +got):\n%s", diff)
	}
}

func TestComposePromptMix(t *testing.T) {
	m, _, _ := newTestMixer(t, 1)

	c, err := m.Compose(context.Background(), PromptMixReg, ComposeInput{Prompts: testPrompts(), Images: 2, MixWeight: 0.4})
	if err != nil {
		t.Fatal(err)
	}

	b := c.Bundle
	if diff := cmp.Diff([]int{4, 2 * testTokens, testDim}, b.Static.Shape()); diff != "" {
		t.Errorf("static shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a z", "a z on the moon", "a dog", "a z on the moon"}, b.Prompts); diff != "" {
		t.Errorf("prompts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{false, false, true, true}, b.Extra.StopGrad); diff != "" {
		t.Errorf("stop grad (-want +got):\n%s", diff)
	}
	if !b.Extra.AdaBackprop {
		t.Errorf("prompt mix steps back-propagate ada embeddings")
	}
	if diff := cmp.Diff([]string{"a dog on the moon"}, b.Extra.ClsComps); diff != "" {
		t.Errorf("class compositions (-want +got):\n%s", diff)
	}

	parts, err := MixRoles.Split(b.Static)
	if err != nil {
		t.Fatal(err)
	}

	// Class embeddings are parallel to the subject ones here, so the mixed
	// half is zero while the unmixed half is the tiled subject embedding.
	row := testTokens * testDim
	if diff := cmp.Diff(make([]float64, row), parts[MixSingle].Floats()[row:], cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("mixed tokens (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(parts[SubjSingle].Floats()[:row], parts[SubjSingle].Floats()[row:]); diff != "" {
		t.Errorf("tiled subject tokens (-first +second):\n%s", diff)
	}
}

func TestComposeRoleSize(t *testing.T) {
	m, enc, _ := newTestMixer(t, 1)
	enc.extra = 1

	if _, err := m.Compose(context.Background(), NormalRecon, ComposeInput{Prompts: testPrompts(), Images: 2}); !errors.Is(err, ErrRoleSize) {
		t.Errorf("expected role size error, got %v", err)
	}

	p := testPrompts()
	p.ClsComps = p.ClsComps[:1]
	if _, err := m.Compose(context.Background(), NormalRecon, ComposeInput{Prompts: p, Images: 2}); !errors.Is(err, ErrRoleSize) {
		t.Errorf("expected unequal roles error, got %v", err)
	}
}

func TestAdaConditioning(t *testing.T) {
	m, _, man := newTestMixer(t, 2)

	b, err := m.Encode(context.Background(), []string{"a z"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ada, err := b.Extra.Ada([]string{"a z"}, 7, ml.Zeros(1, 4), ml.Zeros(1, 8), true)
	if err != nil {
		t.Fatal(err)
	}

	if ada.Weight != 0.5 {
		t.Errorf("ada weight = %v, want 0.5", ada.Weight)
	}
	if diff := cmp.Diff([]string{"init", "mask", "temp", "cache"}, man.calls); diff != "" {
		t.Errorf("manager calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{7}, man.layers); diff != "" {
		t.Errorf("layers (-want +got):\n%s", diff)
	}
}

func TestNewMixer(t *testing.T) {
	if _, err := NewMixer(nil, nil, DefaultOptions()); err == nil {
		t.Errorf("expected missing encoder error")
	}

	if _, err := NewMixer(&lengthEncoder{layers: 1}, nil, Options{UseLayerwise: true, UseAda: true}); err == nil {
		t.Errorf("expected missing manager error")
	}

	m, err := NewMixer(&lengthEncoder{layers: 1}, nil, Options{UseAda: true, Layers: 16})
	if err != nil {
		t.Fatal(err)
	}
	if m.Layers() != 1 {
		t.Errorf("non-layerwise mixer has %d layers", m.Layers())
	}

	b, err := m.Encode(context.Background(), []string{"a dog"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.Extra != nil {
		t.Errorf("plain encode returned extra info")
	}
}

func TestOrthoSubtract(t *testing.T) {
	a := ml.MustNew([]int{2, 2}, []float64{1, 1, 3, 4})
	b := ml.MustNew([]int{2, 2}, []float64{1, 0, 0, 0})

	got, err := OrthoSubtract(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0, 1, 3, 4}, got.Floats()); diff != "" {
		t.Errorf("ortho subtract (-want +got):\n%s", diff)
	}

	src := ml.NewSource(11)
	x, y := ml.Randn(src, 3, 5, 8), ml.Randn(src, 3, 5, 8)
	o, err := OrthoSubtract(x, y)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < o.Len(); i += 8 {
		var dot float64
		for j := range 8 {
			dot += o.Floats()[i+j] * y.Floats()[i+j]
		}
		if math.Abs(dot) > 1e-9 {
			t.Fatalf("vector %d not orthogonal: %v", i/8, dot)
		}
	}

	if _, err := OrthoSubtract(a, ml.Zeros(2, 3)); !errors.Is(err, ml.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
}

func TestMixEmbeddings(t *testing.T) {
	c1 := ml.MustNew([]int{1, 1, 2}, []float64{1, 0})
	c2 := ml.MustNew([]int{1, 1, 2}, []float64{2, 2})

	got, err := MixEmbeddings(c1, c2, 0.5)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{1, 2, 2}, got.Shape()); diff != "" {
		t.Errorf("shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 0, 0, 1}, got.Floats()); diff != "" {
		t.Errorf("mixed (-want +got):\n%s", diff)
	}
}

func TestMixWeightBounded(t *testing.T) {
	const limit = 0.4

	for i := range 101 {
		progress := float64(i) / 100
		if w := MixWeight(limit, progress, nil); w < 0 || w > limit {
			t.Fatalf("progress %v: weight %v outside [0, %v]", progress, w, limit)
		}
	}

	for _, lambda := range []float64{-1, 0, 0.25, 1, 3, math.NaN()} {
		if w := MixWeight(limit, 0.5, &lambda); w < 0 || w > limit {
			t.Errorf("lr lambda %v: weight %v outside [0, %v]", lambda, w, limit)
		}
	}

	cases := []struct {
		progress float64
		want     float64
	}{
		{0, limit},
		{0.5, limit / 2},
		{1, 0},
		{-3, limit},
		{7, 0},
	}
	for _, tt := range cases {
		if diff := cmp.Diff(tt.want, MixWeight(limit, tt.progress, nil), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
			t.Errorf("progress %v (-want +got):\n%s", tt.progress, diff)
		}
	}

	quarter := 0.25
	if got := MixWeight(limit, 0, &quarter); math.Abs(got-0.1) > 1e-12 {
		t.Errorf("lr lambda 0.25 weight = %v, want 0.1", got)
	}
}

func firstValues(t *testing.T, x *ml.Tensor) []float64 {
	t.Helper()
	out := make([]float64, x.Batch())
	for i := range out {
		out[i] = x.Floats()[i*x.SampleSize()]
	}
	return out
}
