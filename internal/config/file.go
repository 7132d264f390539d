package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sheerbytes/sheerread/internal/progress"
)

// yamlServerConfig is used for YAML unmarshaling with a string frame size.
type yamlServerConfig struct {
	Addr      string `yaml:"addr"`
	WSAddr    string `yaml:"ws_addr"`
	Bucket    string `yaml:"bucket"`
	FrameSize string `yaml:"frame_size"`
	LogLevel  string `yaml:"log_level"`
	Cert      string `yaml:"cert"`
	Key       string `yaml:"key"`
}

type yamlClientConfig struct {
	Server      string `yaml:"server"`
	Transport   string `yaml:"transport"`
	Path        string `yaml:"path"`
	Start       string `yaml:"start"`
	End         string `yaml:"end"`
	Encoding    string `yaml:"encoding"`
	Concurrency int    `yaml:"concurrency"`
	FrameSize   string `yaml:"frame_size"`
	Output      string `yaml:"output"`
	LogLevel    string `yaml:"log_level"`
	Insecure    *bool  `yaml:"insecure"`
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// loadServerFile overlays the non-empty values of a YAML file onto cfg.
func loadServerFile(path string, cfg *ServerConfig) error {
	var yc yamlServerConfig
	if err := readYAML(path, &yc); err != nil {
		return err
	}

	if yc.Addr != "" {
		cfg.Addr = yc.Addr
	}
	if yc.WSAddr != "" {
		cfg.WSAddr = yc.WSAddr
	}
	if yc.Bucket != "" {
		cfg.BucketURL = yc.Bucket
	}
	if yc.FrameSize != "" {
		if err := (*byteSize)(&cfg.FrameSize).Set(yc.FrameSize); err != nil {
			return fmt.Errorf("parse frame_size: %w", err)
		}
	}
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}
	if yc.Cert != "" {
		cfg.CertFile = yc.Cert
	}
	if yc.Key != "" {
		cfg.KeyFile = yc.Key
	}
	return nil
}

// loadClientFile overlays the non-empty values of a YAML file onto cfg.
func loadClientFile(path string, cfg *ClientConfig) error {
	var yc yamlClientConfig
	if err := readYAML(path, &yc); err != nil {
		return err
	}

	if yc.Server != "" {
		cfg.Server = yc.Server
	}
	if yc.Transport != "" {
		cfg.Transport = yc.Transport
	}
	if yc.Path != "" {
		cfg.Path = yc.Path
	}
	if yc.Start != "" {
		n, err := progress.ParseBytes(yc.Start)
		if err != nil {
			return fmt.Errorf("parse start: %w", err)
		}
		cfg.Start = n
	}
	if yc.End != "" {
		n, err := progress.ParseBytes(yc.End)
		if err != nil {
			return fmt.Errorf("parse end: %w", err)
		}
		cfg.End = &n
	}
	if yc.Encoding != "" {
		cfg.Encoding = yc.Encoding
	}
	if yc.Concurrency != 0 {
		cfg.Concurrency = yc.Concurrency
	}
	if yc.FrameSize != "" {
		if err := (*byteSize)(&cfg.FrameSize).Set(yc.FrameSize); err != nil {
			return fmt.Errorf("parse frame_size: %w", err)
		}
	}
	if yc.Output != "" {
		cfg.Output = yc.Output
	}
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}
	if yc.Insecure != nil {
		cfg.Insecure = *yc.Insecure
	}
	return nil
}
