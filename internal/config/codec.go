package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// codec encodes the configuration document for a storage format.
type codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

type yamlCodec struct{}

func (yamlCodec) Marshal(v any) ([]byte, error)      { return yaml.Marshal(v) }
func (yamlCodec) Unmarshal(data []byte, v any) error { return yaml.Unmarshal(data, v) }
func (yamlCodec) Name() string                       { return "yaml" }

type tomlCodec struct{}

func (tomlCodec) Marshal(v any) ([]byte, error)      { return toml.Marshal(v) }
func (tomlCodec) Unmarshal(data []byte, v any) error { return toml.Unmarshal(data, v) }
func (tomlCodec) Name() string                       { return "toml" }

// codecFor picks a codec from the document's file extension.
func codecFor(path string) (codec, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", "":
		return jsonCodec{}, nil
	case ".yaml", ".yml":
		return yamlCodec{}, nil
	case ".toml":
		return tomlCodec{}, nil
	default:
		return nil, fmt.Errorf("'%s' is not a supported configuration type: use '.json', '.yaml', '.yml' or '.toml'", ext)
	}
}

// Marshal encodes cfg in the named format: json, yaml or toml.
func Marshal(cfg *TTSConfiguration, format string) ([]byte, error) {
	c, err := codecFor("." + strings.TrimPrefix(format, "."))
	if err != nil {
		return nil, err
	}
	return c.Marshal(cfg)
}

// ReadFile decodes the document at path, choosing the codec by extension.
// The result is not validated.
func ReadFile(path string) (*TTSConfiguration, error) {
	c, err := codecFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, err
	}
	cfg := &TTSConfiguration{}
	if err := c.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("corrupt %s document: %w", c.Name(), err)
	}
	cfg.normalize()
	return cfg, nil
}
