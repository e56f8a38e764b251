package ledger

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EndpointDefinitions models the structure of configs/ledger.yaml.
type EndpointDefinitions struct {
	Ledgers map[string]EndpointDefinition `yaml:"ledgers"`
}

// EndpointDefinition describes a single ledger endpoint set.
type EndpointDefinition struct {
	RPCURL      string `yaml:"rpc_url"`
	RelayURL    string `yaml:"relay_url"`
	VenueURL    string `yaml:"venue_url"`
	Commitment  string `yaml:"commitment"`
	Description string `yaml:"description"`
}

// LoadEndpointDefinitions parses the YAML file containing ledger endpoints.
func LoadEndpointDefinitions(path string) (EndpointDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return EndpointDefinitions{Ledgers: map[string]EndpointDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return EndpointDefinitions{}, fmt.Errorf("读取账本端点配置失败: %w", err)
	}

	var defs EndpointDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return EndpointDefinitions{}, fmt.Errorf("解析账本端点配置失败: %w", err)
	}
	if defs.Ledgers == nil {
		defs.Ledgers = map[string]EndpointDefinition{}
	}
	return defs, nil
}
