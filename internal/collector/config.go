package collector

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the collector's file configuration.
//
//	addr: ":8080"
//	api_keys: [pk_live_1]
//	dedup_size: 10000
//	log_level: info
//	sink:
//	  type: kafka
//	  options:
//	    brokers: [localhost:9092]
//	    topic: tally-events
type Config struct {
	Addr        string        `yaml:"addr"`
	APIKeys     []string      `yaml:"api_keys"`
	DedupSize   int           `yaml:"dedup_size"`
	SinkTimeout time.Duration `yaml:"sink_timeout"`
	LogLevel    string        `yaml:"log_level"`
	Sink        SinkConfig    `yaml:"sink"`
}

type SinkConfig struct {
	Type    string         `yaml:"type"`
	Options map[string]any `yaml:"options"`
}

// DefaultConfig serves on :8080 and prints to stdout.
func DefaultConfig() Config {
	return Config{
		Addr:      ":8080",
		DedupSize: DefaultDedupSize,
		LogLevel:  "info",
		Sink:      SinkConfig{Type: "stdout"},
	}
}

// LoadConfig reads path over DefaultConfig. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return config, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return config, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if config.Sink.Type == "" {
		return config, fmt.Errorf("config %s: sink.type is required", path)
	}
	return config, nil
}
