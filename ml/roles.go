package ml

import (
	"errors"
	"fmt"
	"slices"
)

var ErrRoleSize = errors.New("ml: batch is not divisible into roles")

// Roles is a fixed, ordered set of named batch blocks. A batch built with Join
// is split back with Split into the same order, so every block is routed to
// the consumer that expects it.
type Roles[R comparable] struct {
	order []R
}

func NewRoles[R comparable](order ...R) Roles[R] {
	return Roles[R]{order: slices.Clone(order)}
}

func (r Roles[R]) Len() int {
	return len(r.order)
}

func (r Roles[R]) Order() []R {
	return slices.Clone(r.order)
}

// Index returns the block position of role, or -1.
func (r Roles[R]) Index(role R) int {
	return slices.Index(r.order, role)
}

func (r Roles[R]) blockSize(n int) (int, error) {
	if len(r.order) == 0 || n%len(r.order) != 0 || n == 0 {
		return 0, fmt.Errorf("%w: %d entries into %d roles", ErrRoleSize, n, len(r.order))
	}
	return n / len(r.order), nil
}

// Split cuts t along the batch axis into one equal block per role.
func (r Roles[R]) Split(t *Tensor) (map[R]*Tensor, error) {
	size, err := r.blockSize(t.Batch())
	if err != nil {
		return nil, err
	}

	parts := make(map[R]*Tensor, len(r.order))
	for i, role := range r.order {
		part, err := t.SliceBatch(i*size, (i+1)*size)
		if err != nil {
			return nil, err
		}
		parts[role] = part
	}

	return parts, nil
}

// Join concatenates one block per role along the batch axis in role order.
// Blocks must have equal batch sizes.
func (r Roles[R]) Join(parts map[R]*Tensor) (*Tensor, error) {
	ts := make([]*Tensor, 0, len(r.order))
	for _, role := range r.order {
		t, ok := parts[role]
		if !ok {
			return nil, fmt.Errorf("%w: missing role %v", ErrRoleSize, role)
		}
		if len(ts) > 0 && t.Batch() != ts[0].Batch() {
			return nil, fmt.Errorf("%w: role %v has %d entries, want %d", ErrRoleSize, role, t.Batch(), ts[0].Batch())
		}
		ts = append(ts, t)
	}

	return Concat(0, ts...)
}

// SplitStrings is Split for per-sample strings such as prompts.
func (r Roles[R]) SplitStrings(s []string) (map[R][]string, error) {
	size, err := r.blockSize(len(s))
	if err != nil {
		return nil, err
	}

	parts := make(map[R][]string, len(r.order))
	for i, role := range r.order {
		parts[role] = slices.Clone(s[i*size : (i+1)*size])
	}
	return parts, nil
}

// JoinStrings is Join for per-sample strings.
func (r Roles[R]) JoinStrings(parts map[R][]string) ([]string, error) {
	var out []string
	for i, role := range r.order {
		p, ok := parts[role]
		if !ok {
			return nil, fmt.Errorf("%w: missing role %v", ErrRoleSize, role)
		}
		if i > 0 && len(p) != len(parts[r.order[0]]) {
			return nil, fmt.Errorf("%w: role %v has %d entries, want %d", ErrRoleSize, role, len(p), len(parts[r.order[0]]))
		}
		out = append(out, p...)
	}
	return out, nil
}

// SplitInts is Split for per-sample timesteps.
func (r Roles[R]) SplitInts(s []int) (map[R][]int, error) {
	size, err := r.blockSize(len(s))
	if err != nil {
		return nil, err
	}

	parts := make(map[R][]int, len(r.order))
	for i, role := range r.order {
		parts[role] = slices.Clone(s[i*size : (i+1)*size])
	}
	return parts, nil
}
