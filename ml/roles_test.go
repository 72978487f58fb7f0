package ml

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRolesRoundTrip(t *testing.T) {
	roles := NewRoles("a", "b", "c", "d")

	x := MustNew([]int{8, 1}, seq(8))
	parts, err := roles.Split(x)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float64{4, 5}, parts["c"].Floats()); diff != "" {
		t.Errorf("role c (-want +got):\n%s", diff)
	}

	joined, err := roles.Join(parts)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(x.Floats(), joined.Floats()); diff != "" {
		t.Errorf("join (-want +got):\n%s", diff)
	}
}

func TestRolesOrderPreserved(t *testing.T) {
	roles := NewRoles(2, 1)

	parts := map[int]*Tensor{
		1: MustNew([]int{1, 1}, []float64{10}),
		2: MustNew([]int{1, 1}, []float64{20}),
	}

	joined, err := roles.Join(parts)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{20, 10}, joined.Floats()); diff != "" {
		t.Errorf("join order (-want +got):\n%s", diff)
	}

	if roles.Index(1) != 1 || roles.Index(3) != -1 {
		t.Errorf("unexpected index")
	}
}

func TestRolesErrors(t *testing.T) {
	roles := NewRoles("x", "y", "z", "w")

	if _, err := roles.Split(MustNew([]int{6, 1}, nil)); !errors.Is(err, ErrRoleSize) {
		t.Errorf("expected role size error, got %v", err)
	}

	if _, err := roles.SplitStrings([]string{"a", "b"}); !errors.Is(err, ErrRoleSize) {
		t.Errorf("expected role size error, got %v", err)
	}

	uneven := map[string][]string{"x": {"1"}, "y": {"2", "3"}, "z": {"4"}, "w": {"5"}}
	if _, err := roles.JoinStrings(uneven); !errors.Is(err, ErrRoleSize) {
		t.Errorf("expected role size error, got %v", err)
	}

	missing := map[string]*Tensor{"x": Zeros(1, 1)}
	if _, err := roles.Join(missing); !errors.Is(err, ErrRoleSize) {
		t.Errorf("expected role size error, got %v", err)
	}
}

func TestRolesStrings(t *testing.T) {
	roles := NewRoles("single", "comp")

	parts, err := roles.SplitStrings([]string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"c", "d"}, parts["comp"]); diff != "" {
		t.Errorf("comp (-want +got):\n%s", diff)
	}

	joined, err := roles.JoinStrings(parts)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, joined); diff != "" {
		t.Errorf("join (-want +got):\n%s", diff)
	}

	ts, err := roles.SplitInts([]int{5, 5, 7, 7})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{7, 7}, ts["comp"]); diff != "" {
		t.Errorf("ints (-want +got):\n%s", diff)
	}
}
