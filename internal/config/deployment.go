package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoadDeployment reads a deployment document from path. Fields the document
// leaves out are taken from base, so a file may carry only a new version.
func LoadDeployment(path string, base Deployment) (Deployment, error) {
	if err := ensureFileExists(path); err != nil {
		return Deployment{}, err
	}
	parser, err := parserFor(path)
	if err != nil {
		return Deployment{}, err
	}

	k := koanf.New(".")
	defaults := map[string]any{
		"version":  base.Version,
		"shell":    base.Shell,
		"manifest": append([]string(nil), base.Manifest...),
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return Deployment{}, fmt.Errorf("config: deployment defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Deployment{}, fmt.Errorf("config: load deployment from %s: %w", path, err)
	}

	var d Deployment
	if err := k.Unmarshal("", &d); err != nil {
		return Deployment{}, fmt.Errorf("config: decode deployment from %s: %w", path, err)
	}
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return Deployment{}, fmt.Errorf("%w (%s)", err, path)
	}
	return d, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: deployment file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: deployment file %s: expected a file, found directory", path)
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported deployment file extension %s", ext)
	}
}
