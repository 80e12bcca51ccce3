package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// hostsFile is the on-disk allow-list format:
//
//	allowed_hosts:
//	  - apis.roblox.com
//	  - users.roblox.com
type hostsFile struct {
	AllowedHosts []string `yaml:"allowed_hosts"`
}

// LoadHostsFile reads allowed hosts from a YAML file.
func LoadHostsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hosts file %s: %w", path, err)
	}

	var f hostsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse hosts file %s: %w", path, err)
	}

	return f.AllowedHosts, nil
}
