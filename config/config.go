// Package config loads and validates the PACS configuration.
//
// Configuration is a nested map with three top-level keys: "ae" (network
// front-end settings), "log" (logging setup) and "components" (per-component
// settings keyed by component name). Zero or more JSON/YAML files are merged
// in order, later files overriding earlier ones.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/caio-sobreiro/tinypacs/types"
)

// Component names recognized by the component registry.
const (
	ComponentDatabase        = "Database"
	ComponentDevices         = "Devices"
	ComponentPACS            = "PACS"
	ComponentFileStorage     = "FileStorage"
	ComponentInMemoryStorage = "InMemoryStorage"
	ComponentTempFileStorage = "TempFileStorage"
)

// AEConfig configures the DIMSE front-end.
type AEConfig struct {
	// AETitle lists the local AE titles accepted on incoming associations.
	// The first entry is the main AET, used as the calling AET on outbound
	// sub-operation associations.
	AETitle      []string `mapstructure:"ae_title" validate:"min=1,dive,required,max=16"`
	Port         int      `mapstructure:"port" validate:"min=1,max=65535"`
	MaxPDULength uint32   `mapstructure:"max_pdu_length" validate:"min=1024"`
	SupportedTS  []string `mapstructure:"supported_ts"`
	DumpDS       bool     `mapstructure:"dump_ds"`
}

// LogConfig is passed through to the logging setup.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ComponentConfig holds one component's settings. The "on" key enables the
// component; the rest is component-specific.
type ComponentConfig map[string]any

// On reports whether the component is enabled.
func (c ComponentConfig) On() bool {
	return c.GetBool("on", false)
}

// GetString returns a string setting or def when absent.
func (c ComponentConfig) GetString(key, def string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// GetBool returns a boolean setting or def when absent.
func (c ComponentConfig) GetBool(key string, def bool) bool {
	if v, ok := c[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// GetInt returns an integer setting or def when absent.
func (c ComponentConfig) GetInt(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// GetStringMap returns a nested map setting, or nil when absent.
func (c ComponentConfig) GetStringMap(key string) map[string]any {
	if v, ok := c[key].(map[string]any); ok {
		return v
	}
	return nil
}

// Config is the full server configuration.
type Config struct {
	AE         AEConfig                   `mapstructure:"ae" validate:"required"`
	Log        LogConfig                  `mapstructure:"log"`
	Components map[string]ComponentConfig `mapstructure:"components"`
}

// DefaultTransferSyntaxes lists the transfer syntaxes advertised when the
// configuration does not override them.
var DefaultTransferSyntaxes = []string{
	types.ImplicitVRLittleEndian,
	types.ExplicitVRLittleEndian,
	types.DeflatedExplicitVRLittleEndian,
	types.JPEGBaseline8Bit,
	types.JPEGExtended12Bit,
	types.JPEGLossless,
	types.JPEGLosslessSV1,
	types.JPEGLSLossless,
	types.JPEGLSNearLossless,
	types.JPEG2000Lossless,
	types.JPEG2000,
	types.JPEG2000Part2MultiComponentLossless,
	types.JPEG2000Part2MultiComponent,
	types.JPIPReferenced,
	types.JPIPReferencedDeflate,
	types.MPEG2MainProfile,
	types.MPEG2MainProfileHighLevel,
	types.MPEG4AVCH264HighProfile,
	types.MPEG4AVCH264BDCompatibleHighProfile,
	types.MPEG4AVCH264HighProfileLevel42,
	types.MPEG4AVCH264HighProfileLevel42Stereo,
	types.MPEG4AVCH264StereoHighProfile,
	types.HEVCH265MainProfileLevel51,
	types.HEVCH265Main10ProfileLevel51,
	types.RLELossless,
	types.RFC2557MIMEEncapsulation,
	types.XMLEncoding,
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AE: AEConfig{
			AETitle:      []string{"TINY_PACS"},
			Port:         11112,
			MaxPDULength: 65536,
			SupportedTS:  DefaultTransferSyntaxes,
		},
		Log: LogConfig{Level: "debug"},
		Components: map[string]ComponentConfig{},
	}
}

// DefaultComponents is used when the configuration enables no components at
// all.
func DefaultComponents() map[string]ComponentConfig {
	return map[string]ComponentConfig{
		ComponentDatabase:        {"on": true},
		ComponentDevices:         {"on": true},
		ComponentPACS:            {"on": true},
		ComponentInMemoryStorage: {"on": true},
	}
}

// EnabledComponents returns the component map, falling back to the default
// set when the configuration names none.
func (c *Config) EnabledComponents() map[string]ComponentConfig {
	if len(c.Components) == 0 {
		return DefaultComponents()
	}
	return c.Components
}

// MainAET returns the first configured AE title.
func (c *Config) MainAET() string {
	return c.AE.AETitle[0]
}

// Load merges the given config files over the defaults and validates the
// result. Files are merged in order: later files override earlier ones.
func Load(files ...string) (*Config, error) {
	v := viper.New()
	cfg := Default()

	v.SetDefault("ae.ae_title", cfg.AE.AETitle)
	v.SetDefault("ae.port", cfg.AE.Port)
	v.SetDefault("ae.max_pdu_length", cfg.AE.MaxPDULength)
	v.SetDefault("ae.supported_ts", cfg.AE.SupportedTS)
	v.SetDefault("log.level", cfg.Log.Level)

	for _, file := range files {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", file, err)
		}
	}

	out := &Config{}
	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks the configuration invariants.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for name := range cfg.Components {
		switch name {
		case ComponentDatabase, ComponentDevices, ComponentPACS,
			ComponentFileStorage, ComponentInMemoryStorage, ComponentTempFileStorage:
		default:
			return fmt.Errorf("config: unknown component %q", name)
		}
	}
	return nil
}

// LogLevel maps the configured level to slog. Unknown levels fall back to
// info.
func (c *Config) LogLevel() (level int, ok bool) {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return -4, true
	case "info", "":
		return 0, true
	case "warn", "warning":
		return 4, true
	case "error":
		return 8, true
	default:
		return 0, false
	}
}
