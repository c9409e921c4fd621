package chain

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes a single chain endpoint.
type Definition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	WSURL       string `yaml:"ws_url"`
	Description string `yaml:"description"`
	Symbol      string `yaml:"symbol"`
	Decimals    int    `yaml:"decimals"`
	CoinGeckoID string `yaml:"coingecko_id"`
}

// Endpoint returns the URL a client should dial, preferring websockets.
func (d Definition) Endpoint() string {
	if ws := strings.TrimSpace(d.WSURL); ws != "" {
		return ws
	}
	return strings.TrimSpace(d.RPCURL)
}

// Keys returns the chain keys sorted.
func (d Definitions) Keys() []string {
	keys := make([]string, 0, len(d.Chains))
	for k := range d.Chains {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadDefinitions parses the YAML file containing chain metadata. An empty
// path yields an empty set.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseDefinitions(content)
}

// ParseDefinitions decodes YAML chain definitions and fills defaults.
func ParseDefinitions(content []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	for key, def := range defs.Chains {
		if strings.TrimSpace(def.Type) == "" {
			def.Type = "evm"
		}
		if def.Decimals == 0 {
			def.Decimals = 18
		}
		defs.Chains[key] = def
	}
	return defs, nil
}
