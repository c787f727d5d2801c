package config

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/opengravity/opengravity/errors"
	"gopkg.in/yaml.v3"
)

// Dir is the per-user and per-workspace configuration directory name.
const Dir = ".opengravity"

// Defaults applied when the configuration leaves a value unset.
const (
	DefaultMaxTokens     = 8000
	DefaultMaxToolRounds = 25
	DefaultArchiveDir    = "reviews"
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// MCPServer describes one subprocess-backed tool server.
type MCPServer struct {
	Name    string            `yaml:"name" json:"-"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

type Archive struct {
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"`
}

type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type Config struct {
	LLMClient            string           `yaml:"llm"`
	Model                string           `yaml:"model"`
	BaseURL              string           `yaml:"base_url"`
	MaxTokens            int64            `yaml:"max_tokens"`
	MaxToolRounds        int              `yaml:"max_tool_rounds"`
	Mode                 string           `yaml:"mode"`
	Toolsets             []Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
	ApprovalPolicy       string           `yaml:"approval_policy"`
	Archive              Archive          `yaml:"archive"`
	Log                  Log              `yaml:"log"`

	// Workspace is the directory the agent operates on. It is not read from
	// YAML.
	Workspace string `yaml:"-"`
}

// LoadConfig loads configuration from the user's home directory and the
// workspace, with the latter taking precedence.
func LoadConfig(workspace string) (*Config, error) {
	cfg := &Config{Workspace: workspace}

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, Dir, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Mark(errors.Wrapf(err, "error loading user config"), errors.ErrConfiguration)
			}
		}
	}

	projectConfigPath := filepath.Join(workspace, Dir, "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "error loading project config"), errors.ErrConfiguration)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, so project-level
	// values replace user-level ones.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	// The configuration directory is never visible to the workspace tools,
	// whatever hidden list the YAML files set.
	for _, pattern := range []string{Dir, Dir + "/**"} {
		if !slices.Contains(c.FilesystemAccess.Hidden, pattern) {
			c.FilesystemAccess.Hidden = append(c.FilesystemAccess.Hidden, pattern)
		}
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.Mode == "" {
		c.Mode = "prompt"
	}
	if c.Archive.Dir == "" {
		c.Archive.Dir = DefaultArchiveDir
	}
	if !filepath.IsAbs(c.Archive.Dir) {
		c.Archive.Dir = filepath.Join(c.Workspace, c.Archive.Dir)
	}
	if c.Archive.Format == "" {
		c.Archive.Format = "md"
	}
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided. A configuration
// without any toolsets enables every tool.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if len(c.Toolsets) == 0 {
		return &Toolset{Name: "default", Tools: []string{"*"}}, nil
	}
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		return nil, errors.Mark(errors.New("mandatory 'default' toolset not found in configuration"), errors.ErrConfiguration)
	}
	return c.GetToolset("default")
}
