package conditioning

import (
	"fmt"
	"strings"

	"github.com/ollama/ldm/ml"
)

// Role names one block of a conditioning batch.
type Role string

const (
	SubjSingle Role = "subj_single"
	SubjComp   Role = "subj_comp"
	ClsSingle  Role = "cls_single"
	ClsComp    Role = "cls_comp"
	MixSingle  Role = "mix_single"
	MixComp    Role = "mix_comp"
)

var (
	// DeltaRoles is the order prompts are encoded in.
	DeltaRoles = ml.NewRoles(SubjSingle, SubjComp, ClsSingle, ClsComp)

	// AdaRoles is the denoiser batch of an ada delta step.
	AdaRoles = ml.NewRoles(SubjSingle, SubjComp)

	// MixRoles is the denoiser batch of a prompt mix step.
	MixRoles = ml.NewRoles(SubjSingle, SubjComp, MixSingle, MixComp)
)

// Captions are the per-image prompt fields of a data batch. Composition
// fields hold "|" separated alternatives. The FP fields are the face
// portrait variants and are empty for objects.
type Captions struct {
	SubjSingle []string
	SubjComp   []string
	ClsSingle  []string
	ClsComp    []string

	SubjSingleFP []string
	SubjCompFP   []string
	ClsSingleFP  []string
	ClsCompFP    []string
}

// Prompts are the four prompt roles of one step, one entry per prompt.
type Prompts struct {
	SubjSingle []string
	SubjComps  []string
	ClsSingle  []string
	ClsComps   []string
}

func (p Prompts) Len() int {
	return len(p.SubjSingle)
}

// Join lists the prompts in DeltaRoles order.
func (p Prompts) Join() ([]string, error) {
	return DeltaRoles.JoinStrings(map[Role][]string{
		SubjSingle: p.SubjSingle,
		SubjComp:   p.SubjComps,
		ClsSingle:  p.ClsSingle,
		ClsComp:    p.ClsComps,
	})
}

// Head keeps the first n prompts of every role.
func (p Prompts) Head(n int) Prompts {
	return Prompts{
		SubjSingle: p.SubjSingle[:n],
		SubjComps:  p.SubjComps[:n],
		ClsSingle:  p.ClsSingle[:n],
		ClsComps:   p.ClsComps[:n],
	}
}

func SplitComps(s string) []string {
	return strings.Split(s, "|")
}

// InterleaveComps flattens per-image alternatives alternative-major:
// [p1_1 p2_1 ... pB_1 p1_2 ... pB_R]. The first B entries are then one
// prompt per image.
func InterleaveComps(comps [][]string) ([]string, error) {
	if len(comps) == 0 {
		return nil, nil
	}

	repeats := len(comps[0])
	out := make([]string, 0, len(comps)*repeats)
	for r := range repeats {
		for i, c := range comps {
			if len(c) != repeats {
				return nil, fmt.Errorf("%w: image %d has %d compositions, want %d", ml.ErrRoleSize, i, len(c), repeats)
			}
			out = append(out, c[r])
		}
	}
	return out, nil
}

// BuildPrompts derives the step prompts from a batch. Regularization steps
// use only the first composition of every image; normal steps with several
// compositions per image interleave them and repeat the single prompts to
// match.
func BuildPrompts(c Captions, mode IterType) (Prompts, error) {
	subjSingle, subjComp, clsSingle, clsComp := c.SubjSingle, c.SubjComp, c.ClsSingle, c.ClsComp
	if mode == PromptMixReg && len(c.SubjSingleFP) > 0 {
		subjSingle, subjComp, clsSingle, clsComp = c.SubjSingleFP, c.SubjCompFP, c.ClsSingleFP, c.ClsCompFP
	}

	n := len(subjSingle)
	if n == 0 || len(subjComp) != n || len(clsSingle) != n || len(clsComp) != n {
		return Prompts{}, fmt.Errorf("%w: %d/%d/%d/%d prompts", ml.ErrRoleSize, n, len(subjComp), len(clsSingle), len(clsComp))
	}

	subjComps := make([][]string, n)
	clsComps := make([][]string, n)
	for i := range n {
		subjComps[i] = SplitComps(subjComp[i])
		clsComps[i] = SplitComps(clsComp[i])
	}

	repeats := len(subjComps[0])
	if repeats == 1 || mode != NormalRecon {
		p := Prompts{SubjSingle: subjSingle, ClsSingle: clsSingle}
		for i := range n {
			p.SubjComps = append(p.SubjComps, subjComps[i][0])
			p.ClsComps = append(p.ClsComps, clsComps[i][0])
		}
		return p, nil
	}

	s, err := InterleaveComps(subjComps)
	if err != nil {
		return Prompts{}, err
	}

	cls, err := InterleaveComps(clsComps)
	if err != nil {
		return Prompts{}, err
	}

	if len(cls) != len(s) {
		return Prompts{}, fmt.Errorf("%w: %d subject and %d class compositions", ml.ErrRoleSize, len(s), len(cls))
	}

	p := Prompts{SubjComps: s, ClsComps: cls}
	for range repeats {
		p.SubjSingle = append(p.SubjSingle, subjSingle...)
		p.ClsSingle = append(p.ClsSingle, clsSingle...)
	}
	return p, nil
}
