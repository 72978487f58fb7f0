package loss

import (
	"errors"

	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/ollama/ldm/conditioning"
	"github.com/ollama/ldm/ml"
)

var ErrExclusiveModes = errors.New("loss: ada delta and prompt mix regularization are mutually exclusive")

// Flags are the regularizations of one training step. They are chosen once
// per step and passed to every sub-loss of that step.
type Flags struct {
	// StaticDeltaReg adds the composition delta loss of the static
	// embeddings. It is on whenever its weight is positive.
	StaticDeltaReg bool
	AdaDeltaReg    bool
	PromptMixReg   bool
}

func (f Flags) Valid() error {
	if f.AdaDeltaReg && f.PromptMixReg {
		return ErrExclusiveModes
	}
	return nil
}

func (f Flags) Mode() conditioning.IterType {
	switch {
	case f.AdaDeltaReg:
		return conditioning.AdaDeltaReg
	case f.PromptMixReg:
		return conditioning.PromptMixReg
	default:
		return conditioning.NormalRecon
	}
}

// Enabled lists the regularizations a composer is configured for.
type Enabled struct {
	CompDelta bool
	Ada       bool
	PromptMix bool
}

// Policy picks at most one intermittent regularization per step. Every
// IterGap steps one of the enabled modes is drawn with probability
// proportional to its weight. Prompt mixing is only a candidate after
// WarmUpSteps.
type Policy struct {
	AdaDeltaWeight  float64
	PromptMixWeight float64

	// IterGap of zero or less makes every step a candidate.
	IterGap     int
	WarmUpSteps int
}

func DefaultPolicy() Policy {
	return Policy{
		AdaDeltaWeight:  1,
		PromptMixWeight: 2,
		IterGap:         -1,
		WarmUpSteps:     500,
	}
}

func (p Policy) Select(step int, e Enabled, src ml.Source) Flags {
	f := Flags{StaticDeltaReg: e.CompDelta}

	var modes []conditioning.IterType
	var weights []float64
	if e.CompDelta && e.Ada {
		modes = append(modes, conditioning.AdaDeltaReg)
		weights = append(weights, p.AdaDeltaWeight)
	}
	if e.PromptMix && step > p.WarmUpSteps {
		modes = append(modes, conditioning.PromptMixReg)
		weights = append(weights, p.PromptMixWeight)
	}

	if len(modes) == 0 || (p.IterGap > 0 && step%p.IterGap != 0) {
		return f
	}

	i, ok := sampleuv.NewWeighted(weights, src).Take()
	if !ok {
		return f
	}

	switch modes[i] {
	case conditioning.AdaDeltaReg:
		f.AdaDeltaReg = true
	case conditioning.PromptMixReg:
		f.PromptMixReg = true
	}
	return f
}
