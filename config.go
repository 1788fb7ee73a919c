package chest

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the YAML-loadable description of a repository, for tooling that
// wires storage from a file rather than code.
type Config struct {
	// Path is the page store file, or the directory for the files backend.
	Path string `yaml:"path"`
	// Backend selects "pagestore" (default) or "files".
	Backend string `yaml:"backend"`
	// Testing trades durability for speed.
	Testing bool `yaml:"testing"`
	// MmapMB overrides the page store's initial mmap window, in MiB.
	MmapMB int `yaml:"mmap_mb"`
}

func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if c.Path == "" {
		return nil, fmt.Errorf("config %s: path is required", path)
	}
	switch c.Backend {
	case "", "pagestore", "files":
	default:
		return nil, fmt.Errorf("config %s: unknown backend %q", path, c.Backend)
	}
	return &c, nil
}

// Open opens the repository the config describes.
func (c *Config) Open(logger *zap.Logger) (*Repository, error) {
	opt := Options{
		Logger:    logger,
		IsTesting: c.Testing,
		MmapSize:  c.MmapMB * 1024 * 1024,
	}
	if c.Backend == "files" {
		return OpenDir(c.Path, opt)
	}
	return Open(c.Path, opt)
}
