package ledger

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NetworkDefinitions models the structure of configs/networks.yaml.
type NetworkDefinitions struct {
	Networks map[string]NetworkDefinition `yaml:"networks"`
}

// NetworkDefinition describes a single ledger service endpoint.
type NetworkDefinition struct {
	BaseURL     string `yaml:"base_url"`
	Description string `yaml:"description"`
}

// LoadNetworkDefinitions parses the YAML file containing ledger endpoints.
func LoadNetworkDefinitions(path string) (NetworkDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return NetworkDefinitions{Networks: map[string]NetworkDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NetworkDefinitions{}, fmt.Errorf("读取网络配置失败: %w", err)
	}

	var defs NetworkDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return NetworkDefinitions{}, fmt.Errorf("解析网络配置失败: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[string]NetworkDefinition{}
	}
	return defs, nil
}

// Resolve 返回指定网络的端点定义，显式 BaseURL 优先于网络定义。
func (d NetworkDefinitions) Resolve(network, explicitBaseURL string) (string, error) {
	if strings.TrimSpace(explicitBaseURL) != "" {
		return explicitBaseURL, nil
	}
	def, ok := d.Networks[network]
	if !ok || strings.TrimSpace(def.BaseURL) == "" {
		return "", fmt.Errorf("网络 %s 未定义账本端点", network)
	}
	return def.BaseURL, nil
}
