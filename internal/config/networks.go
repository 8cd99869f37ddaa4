package config

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed networks.yaml
var networksYAML []byte

// Network describes an EVM network preset.
type Network struct {
	Name        string `yaml:"-"`
	ChainID     int64  `yaml:"chain_id"`
	RPCURL      string `yaml:"rpc_url"`
	ExplorerURL string `yaml:"explorer_url"`
}

type networksFile struct {
	Networks map[string]*Network `yaml:"networks"`
}

// LoadNetworks parses the embedded network presets.
func LoadNetworks() (map[string]*Network, error) {
	return ParseNetworks(networksYAML)
}

// ParseNetworks parses a networks document.
func ParseNetworks(data []byte) (map[string]*Network, error) {
	var f networksFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse networks config: %w", err)
	}

	for name, n := range f.Networks {
		if n == nil {
			return nil, fmt.Errorf("network %s: empty definition", name)
		}
		if n.ChainID == 0 {
			return nil, fmt.Errorf("network %s: chain_id is required", name)
		}
		n.Name = name
	}
	return f.Networks, nil
}

// NetworkNames returns the sorted preset names.
func NetworkNames(networks map[string]*Network) []string {
	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
