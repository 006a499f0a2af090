package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// DefaultPluginFile is the plugin configuration looked up when none is named.
const DefaultPluginFile = "mrgeo.config"

// Plugin is the key-value plugin configuration, read once at startup.
type Plugin struct {
	EnableUpdate  bool   `default:"false"`
	UpdateTime    int    `default:"300" validate:"min=1"`
	Workspace     string `default:"mrgeo" validate:"required"`
	CoverageStore string `default:"mrgeo" validate:"required"`
	Namespace     string
	UserName      string
	UserRoles     string

	// ImageBase is the pyramid store URI.
	ImageBase string

	// Path is the resolved file the configuration was read from. It is
	// recorded as the coverage store URL.
	Path string `validate:"required"`
}

func (p Plugin) UpdateInterval() time.Duration {
	return time.Duration(p.UpdateTime) * time.Second
}

var pluginValidate = validator.New()

// LoadPlugin reads a .properties/.config file (KEY=VALUE) or a .yaml/.yml
// file with the same keys.
func LoadPlugin(path string) (Plugin, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Plugin{}, fmt.Errorf("plugin config %q: %w", path, err)
	}
	var kv map[string]string
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".yaml", ".yml":
		kv, err = readYAML(abs)
	default:
		kv, err = godotenv.Read(abs)
	}
	if err != nil {
		return Plugin{}, fmt.Errorf("plugin config %q: %w", abs, err)
	}
	return ParsePlugin(kv, abs)
}

func readYAML(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

// ParsePlugin builds a Plugin from raw keys. Unknown keys are ignored.
func ParsePlugin(kv map[string]string, path string) (Plugin, error) {
	var p Plugin
	if err := defaults.Set(&p); err != nil {
		return Plugin{}, err
	}
	p.Path = path

	var errs []error
	str := func(key string, dst *string) {
		if v, ok := kv[key]; ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("workspace", &p.Workspace)
	str("coveragestore", &p.CoverageStore)
	str("namespace", &p.Namespace)
	str("user.name", &p.UserName)
	str("user.roles", &p.UserRoles)
	str("image.base", &p.ImageBase)

	if v, ok := kv["enable.update"]; ok && strings.TrimSpace(v) != "" {
		b, valid := parseBool(v)
		if !valid {
			errs = append(errs, fmt.Errorf("enable.update: not a boolean: %q", v))
		}
		p.EnableUpdate = b
	}
	if v, ok := kv["update.time"]; ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("update.time: %w", err))
		}
		p.UpdateTime = n
	}
	if p.Namespace == "" {
		p.Namespace = p.Workspace
	}
	if len(errs) > 0 {
		return Plugin{}, errors.Join(errs...)
	}
	if err := pluginValidate.Struct(p); err != nil {
		return Plugin{}, err
	}
	return p, nil
}
