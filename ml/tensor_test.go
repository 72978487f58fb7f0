package ml

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func seq(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = float64(i)
	}
	return s
}

func TestNew(t *testing.T) {
	if _, err := New([]int{2, 3}, seq(5)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}

	if _, err := New([]int{2, 0}, nil); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}

	x := MustNew([]int{2, 3}, seq(6))
	if diff := cmp.Diff([]int{2, 3}, x.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if x.Batch() != 2 || x.SampleSize() != 3 || x.Len() != 6 {
		t.Errorf("unexpected sizes batch=%d sample=%d len=%d", x.Batch(), x.SampleSize(), x.Len())
	}
}

func TestSliceBatch(t *testing.T) {
	x := MustNew([]int{4, 2, 2}, seq(16))

	cases := []struct {
		lo, hi int
		shape  []int
		data   []float64
	}{
		{0, 1, []int{1, 2, 2}, []float64{0, 1, 2, 3}},
		{1, 3, []int{2, 2, 2}, seq(12)[4:]},
		{3, 4, []int{1, 2, 2}, []float64{12, 13, 14, 15}},
	}

	for _, tt := range cases {
		got, err := x.SliceBatch(tt.lo, tt.hi)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(tt.shape, got.Shape()); diff != "" {
			t.Errorf("[%d:%d] shape (-want +got):\n%s", tt.lo, tt.hi, diff)
		}
		if diff := cmp.Diff(tt.data, got.Floats()); diff != "" {
			t.Errorf("[%d:%d] data (-want +got):\n%s", tt.lo, tt.hi, diff)
		}
	}

	if _, err := x.SliceBatch(3, 5); !errors.Is(err, ErrBatchRange) {
		t.Errorf("expected range error, got %v", err)
	}
}

func TestSliceBatchCopies(t *testing.T) {
	x := MustNew([]int{2, 2}, seq(4))
	y, err := x.SliceBatch(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	y.Floats()[0] = 100
	if x.Floats()[0] != 0 {
		t.Errorf("slice aliases its source")
	}
}

func TestConcat(t *testing.T) {
	a := MustNew([]int{1, 2, 2}, []float64{1, 2, 3, 4})
	b := MustNew([]int{1, 2, 2}, []float64{5, 6, 7, 8})

	got, err := Concat(0, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 2, 2}, got.Shape()); diff != "" {
		t.Errorf("shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 4, 5, 6, 7, 8}, got.Floats()); diff != "" {
		t.Errorf("data (-want +got):\n%s", diff)
	}

	tokens, err := Concat(1, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 4, 2}, tokens.Shape()); diff != "" {
		t.Errorf("shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 4, 5, 6, 7, 8}, tokens.Floats()); diff != "" {
		t.Errorf("data (-want +got):\n%s", diff)
	}
}

func TestTile(t *testing.T) {
	a := MustNew([]int{2, 1, 2}, []float64{1, 2, 3, 4})

	got, err := a.Tile(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 2, 2}, got.Shape()); diff != "" {
		t.Errorf("shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 2, 1, 2, 3, 4, 3, 4}, got.Floats()); diff != "" {
		t.Errorf("data (-want +got):\n%s", diff)
	}

	batch, err := a.RepeatBatch(2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 4, 1, 2, 3, 4}, batch.Floats()); diff != "" {
		t.Errorf("data (-want +got):\n%s", diff)
	}
}

func TestDetach(t *testing.T) {
	a := MustNew([]int{1, 2}, []float64{1, 2})
	d := a.Detach()
	if a.Detached() || !d.Detached() {
		t.Fatalf("detach flag: source=%v copy=%v", a.Detached(), d.Detached())
	}

	if Scale(d, 2).Detached() {
		t.Errorf("arithmetic kept the detach flag")
	}

	r, err := d.Reshape(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Detached() {
		t.Errorf("reshape dropped the detach flag")
	}
}

func TestExtract(t *testing.T) {
	coeffs := []float64{0.5, 0.25, 0.125}

	got, err := Extract(coeffs, []int{2, 0}, []int{2, 1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0.125, 0.125, 0.5, 0.5}, got.Floats()); diff != "" {
		t.Errorf("extract (-want +got):\n%s", diff)
	}

	if _, err := Extract(coeffs, []int{3}, []int{1, 2}); err == nil {
		t.Errorf("expected out of range timestep error")
	}

	if _, err := Extract(coeffs, []int{0}, []int{2, 2}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
}

func TestElementwise(t *testing.T) {
	a := MustNew([]int{2, 2}, []float64{1, -2, 3, -4})
	b := MustNew([]int{2, 2}, []float64{1, 1, 1, 1})

	sum, err := AddScaled(a, 2, b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{3, 0, 5, -2}, sum.Floats()); diff != "" {
		t.Errorf("add scaled (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float64{1, -1, 1, -1}, Clamp(a, -1, 1).Floats()); diff != "" {
		t.Errorf("clamp (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float64{-0.5, -0.5}, MeanPerSample(a), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("mean per sample (-want +got):\n%s", diff)
	}

	mask := MustNew([]int{2, 2}, []float64{1, 0, 0, 1})
	lerp, err := Lerp(a, b, mask)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1, -2, 3, 1}, lerp.Floats()); diff != "" {
		t.Errorf("lerp (-want +got):\n%s", diff)
	}

	if _, err := Add(a, MustNew([]int{4}, nil)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
}

func TestRandnDeterministic(t *testing.T) {
	a := Randn(NewSource(7), 3, 4)
	b := Randn(NewSource(7), 3, 4)
	if diff := cmp.Diff(a.Floats(), b.Floats()); diff != "" {
		t.Errorf("same seed differs (-a +b):\n%s", diff)
	}

	u := Uniform(NewSource(1), -1, 1, 64)
	for _, v := range u.Floats() {
		if v < -1 || v >= 1 {
			t.Fatalf("uniform value %v outside [-1, 1)", v)
		}
	}

	for _, v := range RandInts(NewSource(3), 100, 10) {
		if v < 0 || v >= 10 {
			t.Fatalf("int %d outside [0, 10)", v)
		}
	}
}

func TestPermute(t *testing.T) {
	x := MustNew([]int{1, 2, 3}, seq(6))

	got, err := x.Permute(0, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 3, 2}, got.Shape()); diff != "" {
		t.Errorf("shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0, 3, 1, 4, 2, 5}, got.Floats()); diff != "" {
		t.Errorf("data (-want +got):\n%s", diff)
	}
}
