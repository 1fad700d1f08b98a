package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/grid-agent/pkg/logger"
)

// Config represents the complete configuration of a grid agent.
type Config struct {
	Grid        GridConfig         `yaml:"grid"`
	Agent       AgentConfig        `yaml:"agent"`
	Properties  map[string]string  `yaml:"properties,omitempty"`
	TokenGroups []TokenGroupConfig `yaml:"token_groups,omitempty"`
	Logging     logger.Config      `yaml:"logging"`
}

// GridConfig holds the connection settings towards the grid registry.
type GridConfig struct {
	Host               string        `yaml:"host" env:"GA_GRID_HOST"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" env:"GA_GRID_CONNECT_TIMEOUT"`
	ReadTimeout        time.Duration `yaml:"read_timeout" env:"GA_GRID_READ_TIMEOUT"`
	RegistrationPeriod time.Duration `yaml:"registration_period" env:"GA_GRID_REGISTRATION_PERIOD"`
}

// AgentConfig holds the settings of the agent's own listener.
type AgentConfig struct {
	// Port 为 0 时由系统分配端口
	Port           int           `yaml:"port" env:"GA_AGENT_PORT"`
	Host           string        `yaml:"host,omitempty" env:"GA_AGENT_HOST"`
	URL            string        `yaml:"url,omitempty" env:"GA_AGENT_URL"`
	WorkingDir     string        `yaml:"working_dir" env:"GA_AGENT_WORKING_DIR"`
	SessionTimeout time.Duration `yaml:"session_timeout" env:"GA_AGENT_SESSION_TIMEOUT"`
	// CallTimeout 用于未指定 callTimeout 的调用，0 表示使用内置默认值
	CallTimeout    time.Duration `yaml:"default_call_timeout" env:"GA_AGENT_DEFAULT_CALL_TIMEOUT"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"GA_AGENT_READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"GA_AGENT_WRITE_TIMEOUT"`
}

// TokenGroupConfig describes a group of identical tokens.
type TokenGroupConfig struct {
	Capacity  int         `yaml:"capacity"`
	TokenConf TokenConfig `yaml:"token_conf"`
}

// TokenConfig holds what every token of a group is created with.
type TokenConfig struct {
	Attributes        map[string]string `yaml:"attributes,omitempty"`
	SelectionPatterns map[string]string `yaml:"selection_patterns,omitempty"`
	Properties        map[string]string `yaml:"properties,omitempty"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Grid: GridConfig{
			Host:               "http://localhost:8081",
			ConnectTimeout:     3 * time.Second,
			ReadTimeout:        20 * time.Second,
			RegistrationPeriod: 10 * time.Second,
		},
		Agent: AgentConfig{
			Port:           0,
			WorkingDir:     ".",
			SessionTimeout: 5 * time.Minute,
			CallTimeout:    5 * time.Minute,
			ReadTimeout:    0,
			WriteTimeout:   0,
		},
		Properties: map[string]string{},
		Logging:    *logger.DefaultConfig(),
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		cmdArgs: make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithCmdArgs sets command-line arguments for configuration override.
// Keys use dot notation, e.g. "grid.host" or "agent.port".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	if err := l.applyCmdOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用命令行参数覆盖失败: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file. The agent cannot start
// without its token groups, so a missing file is an error.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}

	return nil
}

// applyEnv 将带 env 标签的字段替换为环境变量的值，递归进入嵌套结构体。
func applyEnv(v reflect.Value) error {
	for i := 0; i < v.NumField(); i++ {
		field, sf := v.Field(i), v.Type().Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}

		key, ok := sf.Tag.Lookup("env")
		if !ok {
			continue
		}
		value := os.Getenv(key)
		if value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("环境变量 %s: %w", key, err)
		}
	}
	return nil
}

// applyCmdOverrides applies command-line argument overrides to the configuration.
func (l *Loader) applyCmdOverrides(cfg *Config) error {
	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}
	return nil
}

// setConfigValue 按 YAML 键路径（如 "grid.registration_period"）设置配置值。
func setConfigValue(cfg *Config, path string, value string) error {
	v := reflect.ValueOf(cfg).Elem()
	parts := strings.Split(path, ".")
	for i, part := range parts {
		field, ok := fieldByYAMLKey(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}
		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("配置路径 %s: %s 不是配置段", path, part)
		}
		v = field
	}
	return nil
}

func fieldByYAMLKey(v reflect.Value, key string) (reflect.Value, bool) {
	for i := 0; i < v.NumField(); i++ {
		name, _, _ := strings.Cut(v.Type().Field(i).Tag.Get("yaml"), ",")
		if name == key {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

var (
	durationType  = reflect.TypeOf(time.Duration(0))
	stringMapType = reflect.TypeOf(map[string]string(nil))
)

// setFieldValue sets a config field from its string form. Only the field
// types used by Config are supported.
func setFieldValue(field reflect.Value, value string) error {
	switch {
	case field.Type() == durationType:
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("无效的时间格式: %w", err)
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.String:
		field.SetString(value)
	case field.Kind() == reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("无效的整数: %w", err)
		}
		field.SetInt(int64(n))
	case field.Type() == stringMapType:
		field.Set(reflect.ValueOf(parseStringMap(value)))
	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Type())
	}
	return nil
}

// parseStringMap parses "a=1,b=2".
func parseStringMap(value string) map[string]string {
	m := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m
}

// parseDuration accepts Go durations ("10s") and plain milliseconds ("10000").
func parseDuration(value string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(value)
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// TotalCapacity returns the number of tokens the configuration describes.
func (c *Config) TotalCapacity() int {
	total := 0
	for _, g := range c.TokenGroups {
		total += g.Capacity
	}
	return total
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := c.Serialize()
	clone, _ := ParseConfig(data)
	return clone
}
