package sim

import (
	"encoding/json"
	"math"

	"github.com/wholehead/axon/internal/faults"
)

// currentBalanceTol is the allowed drift in the montage current sum.
const currentBalanceTol = 1e-9

// DefaultRecipe is the two-electrode montage used when a request omits one:
// 2 mA from F4 to F3.
var DefaultRecipe = []any{"F3", -2.0, "F4", 2.0}

// ElectrodePair is one decoded montage entry.
type ElectrodePair struct {
	Name      string
	CurrentMA float64
}

// ValidateRecipe checks the montage shape: alternating electrode name and
// current, currents numeric and summing to zero.
func ValidateRecipe(recipe []any) error {
	if len(recipe) == 0 || len(recipe)%2 != 0 {
		return faults.Ef(faults.InputInvalid, "validate recipe",
			"recipe must alternate electrode and current, got %d entries", len(recipe))
	}
	sum := 0.0
	for i := 0; i < len(recipe); i += 2 {
		if _, ok := recipe[i].(string); !ok {
			return faults.Ef(faults.InputInvalid, "validate recipe",
				"entry %d must be an electrode name", i)
		}
		cur, ok := toFloat(recipe[i+1])
		if !ok {
			return faults.Ef(faults.InputInvalid, "validate recipe",
				"entry %d must be a numeric current", i+1)
		}
		sum += cur
	}
	if math.Abs(sum) > currentBalanceTol {
		return faults.Ef(faults.InputInvalid, "validate recipe",
			"currents must sum to zero, got %g", sum)
	}
	return nil
}

// Pairs decodes a validated recipe into electrode pairs.
func Pairs(recipe []any) ([]ElectrodePair, error) {
	if err := ValidateRecipe(recipe); err != nil {
		return nil, err
	}
	pairs := make([]ElectrodePair, 0, len(recipe)/2)
	for i := 0; i < len(recipe); i += 2 {
		cur, _ := toFloat(recipe[i+1])
		pairs = append(pairs, ElectrodePair{Name: recipe[i].(string), CurrentMA: cur})
	}
	return pairs, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
