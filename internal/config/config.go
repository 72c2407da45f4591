// Package config loads odin configuration. Sources are layered as
// defaults < YAML file < ODIN_* environment variables < command-line
// overrides given as dotted paths (for example "agent.heartbeat").
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of an odin process.
type Config struct {
	Cell         string             `yaml:"cell" env:"ODIN_CELL"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Machine      MachineConfig      `yaml:"machine"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	Agent        AgentConfig        `yaml:"agent"`
	HTTP         HTTPConfig         `yaml:"http"`
	GRPC         GRPCConfig         `yaml:"grpc"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	NATS         NATSConfig         `yaml:"nats"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// Coordination backends.
const (
	BackendZooKeeper = "zookeeper"
	BackendLocal     = "local"
)

// CoordinationConfig selects and configures the coordination service.
type CoordinationConfig struct {
	Backend        string        `yaml:"backend" env:"ODIN_COORDINATION_BACKEND"`
	Servers        []string      `yaml:"servers" env:"ODIN_COORDINATION_SERVERS"`
	SessionTimeout time.Duration `yaml:"session_timeout" env:"ODIN_COORDINATION_SESSION_TIMEOUT"`
	// DataDir holds the local backend's database; empty keeps it in memory.
	DataDir string `yaml:"data_dir" env:"ODIN_COORDINATION_DATA_DIR"`
}

// MachineConfig describes the machine an agent registers.
type MachineConfig struct {
	// Path is a pre-known machine identity; empty requests a sequential one.
	Path         string            `yaml:"path" env:"ODIN_MACHINE_PATH"`
	Name         string            `yaml:"name" env:"ODIN_MACHINE_NAME"`
	Region       string            `yaml:"region" env:"ODIN_MACHINE_REGION"`
	Capabilities []string          `yaml:"capabilities" env:"ODIN_MACHINE_CAPABILITIES"`
	Labels       map[string]string `yaml:"labels" env:"ODIN_MACHINE_LABELS"`
}

// SupervisorConfig locates the process-supervision endpoint.
type SupervisorConfig struct {
	URL   string `yaml:"url" env:"ODIN_SUPERVISOR_URL"`
	Group string `yaml:"group" env:"ODIN_SUPERVISOR_GROUP"`
}

// AgentConfig tunes the consumption loop.
type AgentConfig struct {
	Heartbeat time.Duration `yaml:"heartbeat" env:"ODIN_AGENT_HEARTBEAT"`
}

// HTTPConfig configures the operator HTTP API.
type HTTPConfig struct {
	Address string `yaml:"address" env:"ODIN_HTTP_ADDRESS"`
}

// GRPCConfig configures the gRPC health server.
type GRPCConfig struct {
	Address string `yaml:"address" env:"ODIN_GRPC_ADDRESS"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Address string `yaml:"address" env:"ODIN_METRICS_ADDRESS"`
}

// NATSConfig configures lifecycle event publishing. An empty URL disables it.
type NATSConfig struct {
	URL string `yaml:"url" env:"ODIN_NATS_URL"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" env:"ODIN_TRACING_ENABLED"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"ODIN_LOG_LEVEL"`
	Format     string `yaml:"format" env:"ODIN_LOG_FORMAT"`
	Output     string `yaml:"output" env:"ODIN_LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"ODIN_LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"ODIN_LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"ODIN_LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"ODIN_LOG_MAX_AGE"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Cell: "/odin/default",
		Coordination: CoordinationConfig{
			Backend:        BackendZooKeeper,
			Servers:        []string{"127.0.0.1:2181"},
			SessionTimeout: 10 * time.Second,
		},
		Machine: MachineConfig{
			Labels: make(map[string]string),
		},
		Supervisor: SupervisorConfig{
			URL:   "http://localhost:9001/RPC2",
			Group: "dynamic",
		},
		Agent: AgentConfig{
			Heartbeat: 60 * time.Second,
		},
		HTTP:    HTTPConfig{Address: ":8080"},
		GRPC:    GRPCConfig{Address: ":9090"},
		Metrics: MetricsConfig{Address: ":2112"},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	cmdArgs    map[string]string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		cmdArgs:   make(map[string]string),
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithCmdArgs sets dotted-path overrides, e.g. {"cell": "/odin/prod"}.
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// WithEnv replaces the environment lookup.
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// Load applies every source in precedence order and validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("apply override %s: %w", key, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue, ok := l.lookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("%s: %w", envTag, err)
		}
	}
	return nil
}

// setConfigValue sets a field by its dotted yaml path.
func setConfigValue(cfg *Config, path, value string) error {
	v := reflect.ValueOf(cfg).Elem()
	parts := strings.Split(path, ".")
	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("unknown config path %q", path)
		}
		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("config path %q: %s is not a section", path, part)
		}
		v = field
	}
	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice of %s", field.Type().Elem().Kind())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))

	case reflect.Map:
		if field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported map type %s", field.Type())
		}
		m := make(map[string]string)
		for _, pair := range strings.Split(value, ",") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				return fmt.Errorf("invalid key=value pair %q", pair)
			}
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		field.Set(reflect.ValueOf(m))

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}

// Serialize renders the configuration as YAML.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}
