package risk

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultWeight applies to factors missing from the table.
const DefaultWeight = 0.10

var ErrInvalidWeight = errors.New("risk: invalid weight")

// Weights maps factors to their share in the aggregate. Weights need not
// sum to 1; the aggregate divides by the sum of weights actually used.
type Weights map[Factor]float64

// DefaultWeights returns the standard table. The values sum to 1.20.
func DefaultWeights() Weights {
	return Weights{
		FactorOwnershipConcentration: 0.20,
		FactorLiquidityRisk:          0.15,
		FactorHoneypotDetection:      0.20,
		FactorSuspiciousTransfers:    0.10,
		FactorContractVerification:   0.08,
		FactorSocialSignals:          0.05,
		FactorPriceVolatility:        0.10,
		FactorActivityAnalysis:       0.12,
		FactorContractAnalysis:       0.12,
		FactorStablecoinIntegration:  0.08,
	}
}

// Of returns the weight of factor, or DefaultWeight if it is not listed.
func (w Weights) Of(factor Factor) float64 {
	if v, ok := w[factor]; ok {
		return v
	}
	return DefaultWeight
}

// Merge returns a copy of w with overrides applied.
func (w Weights) Merge(overrides Weights) Weights {
	out := make(Weights, len(w)+len(overrides))
	for f, v := range w {
		out[f] = v
	}
	for f, v := range overrides {
		out[f] = v
	}
	return out
}

// Validate rejects negative weights.
func (w Weights) Validate() error {
	for f, v := range w {
		if v < 0 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidWeight, f, v)
		}
	}
	return nil
}

type weightsFile struct {
	Weights map[string]float64 `yaml:"weights"`
}

// ParseWeights decodes a YAML document of the form
//
//	weights:
//	  honeypot_detection: 0.25
//
// and merges it over DefaultWeights.
func ParseWeights(data []byte) (Weights, error) {
	var f weightsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("risk: parse weights: %w", err)
	}
	overrides := make(Weights, len(f.Weights))
	for k, v := range f.Weights {
		overrides[Factor(k)] = v
	}
	if err := overrides.Validate(); err != nil {
		return nil, err
	}
	return DefaultWeights().Merge(overrides), nil
}

// LoadWeights reads a YAML weights file. An empty path yields the defaults.
func LoadWeights(path string) (Weights, error) {
	if path == "" {
		return DefaultWeights(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("risk: read weights: %w", err)
	}
	return ParseWeights(data)
}
