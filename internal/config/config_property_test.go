package config

import (
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// deserialize(serialize(config)) == config
func TestConfigRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("config round-trip preserves data", prop.ForAll(
		func(config *Config) bool {
			yamlBytes, err := config.Serialize()
			if err != nil {
				return false
			}

			parsed, err := ParseConfig(yamlBytes)
			if err != nil {
				return false
			}

			return configsEqual(config, parsed)
		},
		genConfig(),
	))

	properties.TestingRun(t)
}

// 生成的配置总是可以通过校验
func TestGeneratedConfigIsValidProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("generated config validates", prop.ForAll(
		func(config *Config) bool {
			return Validate(config) == nil
		},
		genConfig(),
	))

	properties.TestingRun(t)
}

func genConfig() gopter.Gen {
	return gopter.CombineGens(
		genGridConfig(),
		genAgentConfig(),
		gen.SliceOfN(3, genTokenGroup()),
	).Map(func(values []interface{}) *Config {
		cfg := DefaultConfig()
		cfg.Grid = values[0].(GridConfig)
		cfg.Agent = values[1].(AgentConfig)
		cfg.TokenGroups = values[2].([]TokenGroupConfig)
		return cfg
	})
}

func genGridConfig() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(1024, 65535),
		gen.IntRange(1, 60),
		gen.IntRange(1, 60),
		gen.IntRange(1, 120),
	).Map(func(values []interface{}) GridConfig {
		return GridConfig{
			Host:               "http://grid:" + strconv.Itoa(values[0].(int)),
			ConnectTimeout:     time.Duration(values[1].(int)) * time.Second,
			ReadTimeout:        time.Duration(values[2].(int)) * time.Second,
			RegistrationPeriod: time.Duration(values[3].(int)) * time.Millisecond * 100,
		}
	})
}

func genAgentConfig() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 65535),
		gen.OneConstOf("", "agent1", "10.0.0.3"),
		gen.IntRange(1, 600),
	).Map(func(values []interface{}) AgentConfig {
		return AgentConfig{
			Port:           values[0].(int),
			Host:           values[1].(string),
			WorkingDir:     "/tmp/grid-agent",
			SessionTimeout: time.Duration(values[2].(int)) * time.Second,
		}
	})
}

func genTokenGroup() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 16),
		gen.OneConstOf("linux", "windows", "mac"),
		gen.OneConstOf(".*", "chrome|firefox", "^v[0-9]+$"),
	).Map(func(values []interface{}) TokenGroupConfig {
		return TokenGroupConfig{
			Capacity: values[0].(int),
			TokenConf: TokenConfig{
				Attributes:        map[string]string{"os": values[1].(string)},
				SelectionPatterns: map[string]string{"browser": values[2].(string)},
			},
		}
	})
}

func configsEqual(a, b *Config) bool {
	if a.Grid != b.Grid {
		return false
	}
	if a.Agent != b.Agent {
		return false
	}
	return reflect.DeepEqual(a.TokenGroups, b.TokenGroups)
}
