package fusion

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// registryFile is the on-disk shape of a weight registry:
//
//	threshold: 0.5
//	weights:
//	  sentinel: 0.40
//	  oracle: 0.25
type registryFile struct {
	Threshold *float64           `yaml:"threshold"`
	Weights   map[string]float64 `yaml:"weights"`
}

// LoadRegistry reads a weight registry from a YAML file. Weights are loaded
// once at startup; the registry is configuration, not hot-reloadable state.
// Returns the registry and the DANGER threshold (DefaultThreshold when the
// file omits it).
func LoadRegistry(path string) (Registry, float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("fusion: read registry: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, 0, fmt.Errorf("fusion: parse registry: %w", err)
	}
	if len(f.Weights) == 0 {
		return nil, 0, fmt.Errorf("fusion: registry %s defines no weights", path)
	}
	for role, w := range f.Weights {
		if w < 0 || w > 1 {
			return nil, 0, fmt.Errorf("fusion: registry weight for %q is %v, outside [0,1]", role, w)
		}
	}
	threshold := DefaultThreshold
	if f.Threshold != nil {
		if *f.Threshold <= 0 || *f.Threshold > 1 {
			return nil, 0, fmt.Errorf("fusion: threshold %v outside (0,1]", *f.Threshold)
		}
		threshold = *f.Threshold
	}
	return Registry(f.Weights), threshold, nil
}
