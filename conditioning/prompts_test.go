package conditioning

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/ldm/ml"
)

func TestBuildPrompts(t *testing.T) {
	c := Captions{
		SubjSingle: []string{"z1", "z2"},
		SubjComp:   []string{"z1 a|z1 b", "z2 a|z2 b"},
		ClsSingle:  []string{"dog1", "dog2"},
		ClsComp:    []string{"dog1 a|dog1 b", "dog2 a|dog2 b"},
	}

	cases := []struct {
		name string
		mode IterType
		want Prompts
	}{
		{
			name: "interleaved",
			mode: NormalRecon,
			want: Prompts{
				SubjSingle: []string{"z1", "z2", "z1", "z2"},
				SubjComps:  []string{"z1 a", "z2 a", "z1 b", "z2 b"},
				ClsSingle:  []string{"dog1", "dog2", "dog1", "dog2"},
				ClsComps:   []string{"dog1 a", "dog2 a", "dog1 b", "dog2 b"},
			},
		},
		{
			name: "first composition",
			mode: AdaDeltaReg,
			want: Prompts{
				SubjSingle: []string{"z1", "z2"},
				SubjComps:  []string{"z1 a", "z2 a"},
				ClsSingle:  []string{"dog1", "dog2"},
				ClsComps:   []string{"dog1 a", "dog2 a"},
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildPrompts(c, tt.mode)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("prompts (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildPromptsFacePortrait(t *testing.T) {
	c := Captions{
		SubjSingle:   []string{"a photo of z"},
		SubjComp:     []string{"a photo of z in snow"},
		ClsSingle:    []string{"a photo of a man"},
		ClsComp:      []string{"a photo of a man in snow"},
		SubjSingleFP: []string{"a face portrait of z"},
		SubjCompFP:   []string{"a face portrait of z in snow"},
		ClsSingleFP:  []string{"a face portrait of a man"},
		ClsCompFP:    []string{"a face portrait of a man in snow"},
	}

	got, err := BuildPrompts(c, PromptMixReg)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a face portrait of z"}, got.SubjSingle); diff != "" {
		t.Errorf("prompt mix uses face portraits (-want +got):\n%s", diff)
	}

	got, err = BuildPrompts(c, AdaDeltaReg)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a photo of z"}, got.SubjSingle); diff != "" {
		t.Errorf("delta steps keep the captions (-want +got):\n%s", diff)
	}
}

func TestBuildPromptsErrors(t *testing.T) {
	_, err := BuildPrompts(Captions{SubjSingle: []string{"z"}}, NormalRecon)
	if !errors.Is(err, ErrRoleSize) {
		t.Errorf("expected role size error, got %v", err)
	}

	_, err = InterleaveComps([][]string{{"a", "b"}, {"c"}})
	if !errors.Is(err, ErrRoleSize) {
		t.Errorf("expected uneven compositions error, got %v", err)
	}
}

func TestFeatureCache(t *testing.T) {
	c := NewFeatureCache()
	for _, layer := range []int{16, 7, 12, 8} {
		c.Store(layer, ml.Zeros(1))
	}

	if diff := cmp.Diff([]int{7, 8, 12, 16}, c.Layers()); diff != "" {
		t.Errorf("layers (-want +got):\n%s", diff)
	}

	if _, ok := c.Get(9); ok {
		t.Errorf("unexpected layer 9")
	}

	c.Reset()
	if c.Len() != 0 {
		t.Errorf("cache not reset: %d layers", c.Len())
	}
}

func TestBundleBatch(t *testing.T) {
	if got := Plain(ml.Zeros(3, 2)).Batch(); got != 3 {
		t.Errorf("plain batch = %d, want 3", got)
	}

	b := &Bundle{Static: ml.Zeros(32, 2), Prompts: []string{"a", "b"}}
	if got := b.Batch(); got != 2 {
		t.Errorf("layerwise bundle batch = %d, want 2", got)
	}

	if IterType(7).String() != "IterType(7)" || PromptMixReg.String() != "prompt_mix_reg" {
		t.Errorf("unexpected iteration type names")
	}
}
