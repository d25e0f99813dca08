package signature

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// keyFile is the on-disk agent key registry: agent_id to base64 Ed25519
// public key.
type keyFile struct {
	Keys map[string]string `yaml:"keys"`
}

// LoadKeys reads an agent public key registry from a YAML file.
func LoadKeys(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signature: read keys %s: %w", path, err)
	}
	var f keyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("signature: parse keys %s: %w", path, err)
	}
	if len(f.Keys) == 0 {
		return nil, fmt.Errorf("signature: keys file %s has no keys", path)
	}
	return f.Keys, nil
}
