package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read as config,
// e.g. PIPEGRID_LOG_LEVEL or PIPEGRID_STORE_DRIVER.
const EnvPrefix = "PIPEGRID"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=text json"`
	} `mapstructure:"log"`

	Workers   int    `mapstructure:"workers" validate:"gte=1,lte=256"`
	WorkDir   string `mapstructure:"workdir"`
	SourceDir string `mapstructure:"source_dir"`

	Store struct {
		Driver string `mapstructure:"driver" validate:"oneof=memory sqlite"`
		Path   string `mapstructure:"path" validate:"required_if=Driver sqlite"`
	} `mapstructure:"store"`

	Runners struct {
		Labels []string `mapstructure:"labels" validate:"dive,required"`
	} `mapstructure:"runners"`

	Events struct {
		URL       string `mapstructure:"url" validate:"omitempty,url"`
		Namespace string `mapstructure:"namespace"`
	} `mapstructure:"events"`

	HTTP struct {
		Addr string `mapstructure:"addr" validate:"required"`
	} `mapstructure:"http"`

	Environments map[string]EnvironmentConfig `mapstructure:"environments" validate:"dive"`
}

// EnvironmentConfig declares one deployment target.
type EnvironmentConfig struct {
	Protected bool              `mapstructure:"protected"`
	URL       string            `mapstructure:"url" validate:"omitempty,url"`
	Secrets   map[string]string `mapstructure:"secrets"`
}

// NewViper returns a viper instance with every default set and environment
// overrides enabled. Callers may bind flags to it before LoadConfig.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("pipegrid")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("workers", 4)
	v.SetDefault("workdir", "")
	v.SetDefault("source_dir", "")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "pipegrid.db")
	v.SetDefault("runners.labels", []string{})
	v.SetDefault("events.url", "")
	v.SetDefault("events.namespace", "/")
	v.SetDefault("http.addr", ":8080")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads the config file (path, or pipegrid.yaml found on the
// search path) into a validated Config. A missing file is only an error
// when path is given explicitly.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return NewConfig(cfg)
}

// NewConfig validates cfg.
func NewConfig(cfg Config) (*Config, error) {
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := validator.New().Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), describeTag(fe)))
			}
			return nil, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Viper lower-cases map keys; secret names are matched upper-case.
	for name, env := range cfg.Environments {
		secrets := make(map[string]string, len(env.Secrets))
		for k, val := range env.Secrets {
			secrets[strings.ToUpper(k)] = val
		}
		env.Secrets = secrets
		cfg.Environments[name] = env
	}
	return &cfg, nil
}

func describeTag(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	var cfg Config
	if err := NewViper().Unmarshal(&cfg); err != nil {
		panic(err)
	}
	out, err := NewConfig(cfg)
	if err != nil {
		panic(err)
	}
	return out
}
