package schedule

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Family names a beta schedule.
type Family int

const (
	Linear Family = iota
	Cosine
	SqrtLinear
	Sqrt
)

func (f Family) String() string {
	switch f {
	case Linear:
		return "linear"
	case Cosine:
		return "cosine"
	case SqrtLinear:
		return "sqrt_linear"
	case Sqrt:
		return "sqrt"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(s) {
	case "", "linear":
		return Linear, nil
	case "cosine":
		return Cosine, nil
	case "sqrt_linear":
		return SqrtLinear, nil
	case "sqrt":
		return Sqrt, nil
	default:
		return 0, fmt.Errorf("%w: unknown beta schedule %q", ErrInvalidSchedule, s)
	}
}

const DefaultCosineS = 8e-3

func linspace(start, end float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	return floats.Span(out, start, end)
}

// Betas computes the beta sequence of family f over n steps.
func Betas(f Family, n int, start, end, cosineS float64) ([]float64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d timesteps", ErrInvalidSchedule, n)
	}

	switch f {
	case Linear:
		betas := linspace(math.Sqrt(start), math.Sqrt(end), n)
		floats.Mul(betas, betas)
		return betas, nil
	case Cosine:
		if cosineS == 0 {
			cosineS = DefaultCosineS
		}

		alphas := make([]float64, n+1)
		for i := range alphas {
			x := (float64(i)/float64(n) + cosineS) / (1 + cosineS) * math.Pi / 2
			alphas[i] = math.Pow(math.Cos(x), 2)
		}
		floats.Scale(1/alphas[0], alphas)

		betas := make([]float64, n)
		for i := range betas {
			betas[i] = min(max(1-alphas[i+1]/alphas[i], 0), 0.999)
		}
		return betas, nil
	case SqrtLinear:
		return linspace(start, end, n), nil
	case Sqrt:
		betas := linspace(start, end, n)
		for i, b := range betas {
			betas[i] = math.Sqrt(b)
		}
		return betas, nil
	default:
		return nil, fmt.Errorf("%w: unknown beta schedule %v", ErrInvalidSchedule, f)
	}
}
