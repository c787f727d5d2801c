package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/opengravity/opengravity/errors"
)

// MCPConfigFile is the tool-server discovery file inside the workspace
// configuration directory.
const MCPConfigFile = "mcp_config.json"

type mcpConfig struct {
	MCPServers map[string]MCPServer `json:"mcpServers"`
}

// LoadMCPServers reads the discovery file at path. A missing file yields no
// servers. Servers are returned sorted by name so that startup order is
// stable.
func LoadMCPServers(path string) ([]MCPServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Mark(errors.Wrapf(err, "could not read %s", path), errors.ErrConfiguration)
	}

	var cfg mcpConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "could not parse %s", path), errors.ErrConfiguration)
	}

	servers := make([]MCPServer, 0, len(cfg.MCPServers))
	for name, srv := range cfg.MCPServers {
		srv.Name = name
		servers = append(servers, srv)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}

// MCPServers returns the YAML-configured servers followed by those found in
// the workspace discovery file. A discovery entry replaces a YAML entry with
// the same name.
func (c *Config) MCPServers() ([]MCPServer, error) {
	discovered, err := LoadMCPServers(filepath.Join(c.Workspace, Dir, MCPConfigFile))

	byName := map[string]int{}
	var out []MCPServer
	for _, srv := range c.AdditionalMCPServers {
		byName[srv.Name] = len(out)
		out = append(out, srv)
	}
	for _, srv := range discovered {
		if i, ok := byName[srv.Name]; ok {
			out[i] = srv
			continue
		}
		byName[srv.Name] = len(out)
		out = append(out, srv)
	}
	return out, err
}
