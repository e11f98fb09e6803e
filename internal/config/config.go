package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
		// MaxMultipartMemory is how much of an upload is held in memory
		// before spilling to temporary files.
		MaxMultipartMemory int64 `yaml:"max_multipart_memory"`
	} `yaml:"server"`

	Model struct {
		Path     string `yaml:"path"`
		Metadata string `yaml:"metadata"`
		Weights  string `yaml:"weights"`
		// RuntimeLibrary is the onnxruntime shared library; empty uses the
		// platform default.
		RuntimeLibrary string `yaml:"runtime_library"`
	} `yaml:"model"`

	Dataset struct {
		Path string `yaml:"path"`
	} `yaml:"dataset"`

	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads configPath if it exists, fills defaults, expands environment
// variables in paths and applies the PORT override.
func Load(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to open config file: %w", err)
	default:
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		if err := decoder.Decode(config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	config.setDefaults()

	config.Model.Path = os.ExpandEnv(config.Model.Path)
	config.Model.Metadata = os.ExpandEnv(config.Model.Metadata)
	config.Model.Weights = os.ExpandEnv(config.Model.Weights)
	config.Model.RuntimeLibrary = os.ExpandEnv(config.Model.RuntimeLibrary)
	config.Dataset.Path = os.ExpandEnv(config.Dataset.Path)

	if port := os.Getenv("PORT"); port != "" {
		config.Server.Port = port
	}
	if lib := os.Getenv("ONNXRUNTIME_LIB"); lib != "" && config.Model.RuntimeLibrary == "" {
		config.Model.RuntimeLibrary = lib
	}

	return config, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "10000"
	}
	if c.Server.MaxMultipartMemory == 0 {
		c.Server.MaxMultipartMemory = 8 << 20
	}
	if c.Model.Path == "" {
		c.Model.Path = filepath.Join("models", "vit_backbone.onnx")
	}
	if c.Model.Metadata == "" {
		c.Model.Metadata = filepath.Join("models", "model_metadata.json")
	}
	if c.Model.Weights == "" {
		c.Model.Weights = "eye_disease_vit.safetensors"
	}
	if c.Dataset.Path == "" {
		c.Dataset.Path = "dataset"
	}
}

// TrainDir is the split whose class directories define the label set.
func (c *Config) TrainDir() string {
	return filepath.Join(c.Dataset.Path, "train")
}

func (c *Config) Logger() (*zap.Logger, error) {
	if c.Debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
