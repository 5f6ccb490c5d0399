package credits

import (
	"github.com/joeycumines/go-genqueue/generr"
)

type (
	// Matrix maps a provider name to its base credit cost per generation.
	Matrix map[string]int64

	// Modifiers adjust the effective cost of a generation. Multiplier scales
	// the cost linearly (values below 1 are treated as 1), Mixup adds a 50%
	// surcharge (rounded up), and Mashup doubles the cost. Mixup is applied
	// before Mashup.
	Modifiers struct {
		Multiplier int
		Mixup      bool
		Mashup     bool
	}
)

// DefaultMatrix returns the default provider cost matrix. The caller owns
// the returned map.
func DefaultMatrix() Matrix {
	return Matrix{
		`openai`: 10,
		`dezgo`:  5,
		`google`: 8,
	}
}

// Cost computes the effective credit cost for one request against the
// provider. It is a pure function of its inputs. Unknown providers fail
// with a validation error.
func (x Matrix) Cost(provider string, m Modifiers) (int64, error) {
	base, ok := x[provider]
	if !ok {
		return 0, generr.Errorf(generr.Validation, `credits: unknown provider %q`, provider)
	}
	cost := base
	if m.Multiplier > 1 {
		cost *= int64(m.Multiplier)
	}
	if m.Mixup {
		cost = (cost*3 + 1) / 2
	}
	if m.Mashup {
		cost *= 2
	}
	return cost, nil
}

// Count returns the number of generations the modifiers describe, i.e. the
// multiplier clamped to at least 1. Recorded on transactions.
func (x Modifiers) Count() int {
	if x.Multiplier > 1 {
		return x.Multiplier
	}
	return 1
}
