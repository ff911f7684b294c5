package toolrpc

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config collects the tunables of a server or client deployment. Load it
// from a YAML file with LoadConfig or from the environment with
// ConfigFromEnv; zero fields fall back to the package defaults.
type Config struct {
	// Name and Version identify this endpoint to its peers during the
	// handshake.
	Name    string `yaml:"name" env:"TOOLRPC_NAME,default="`
	Version string `yaml:"version" env:"TOOLRPC_VERSION,default="`

	// Instructions is the free-form usage text a server hands to clients.
	Instructions string `yaml:"instructions" env:"TOOLRPC_INSTRUCTIONS,default="`

	PingInterval         time.Duration `yaml:"pingInterval" env:"TOOLRPC_PING_INTERVAL,default=0"`
	PingTimeout          time.Duration `yaml:"pingTimeout" env:"TOOLRPC_PING_TIMEOUT,default=0"`
	PingTimeoutThreshold int           `yaml:"pingTimeoutThreshold" env:"TOOLRPC_PING_TIMEOUT_THRESHOLD,default=0"`
	SendTimeout          time.Duration `yaml:"sendTimeout" env:"TOOLRPC_SEND_TIMEOUT,default=0"`

	WriteTimeout time.Duration `yaml:"writeTimeout" env:"TOOLRPC_WRITE_TIMEOUT,default=0"`
	ReadTimeout  time.Duration `yaml:"readTimeout" env:"TOOLRPC_READ_TIMEOUT,default=0"`

	// PipeCapacity bounds the in-memory pipe transport's channel buffers.
	PipeCapacity int `yaml:"pipeCapacity" env:"TOOLRPC_PIPE_CAPACITY,default=0"`

	// PageSize caps the number of tools returned per list page.
	PageSize int `yaml:"pageSize" env:"TOOLRPC_PAGE_SIZE,default=0"`
}

// LoadConfig reads a YAML config file from path.
func LoadConfig(path string) (Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFromEnv builds a Config from TOOLRPC_* environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config for values that cannot be worked around by
// falling back to a default.
func (c Config) Validate() error {
	if c.PingInterval < 0 {
		return fmt.Errorf("pingInterval must not be negative: %s", c.PingInterval)
	}
	if c.PingTimeout < 0 {
		return fmt.Errorf("pingTimeout must not be negative: %s", c.PingTimeout)
	}
	if c.PingTimeoutThreshold < 0 {
		return fmt.Errorf("pingTimeoutThreshold must not be negative: %d", c.PingTimeoutThreshold)
	}
	if c.SendTimeout < 0 {
		return fmt.Errorf("sendTimeout must not be negative: %s", c.SendTimeout)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("writeTimeout must not be negative: %s", c.WriteTimeout)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("readTimeout must not be negative: %s", c.ReadTimeout)
	}
	if c.PipeCapacity < 0 {
		return fmt.Errorf("pipeCapacity must not be negative: %d", c.PipeCapacity)
	}
	if c.PageSize < 0 {
		return fmt.Errorf("pageSize must not be negative: %d", c.PageSize)
	}
	return nil
}

// Info returns the endpoint identity carried by the config.
func (c Config) Info() Info {
	return Info{Name: c.Name, Version: c.Version}
}

// Pipe builds a connected in-memory transport pair bounded by PipeCapacity.
// A zero capacity falls back to the package default, like every other knob.
func (c Config) Pipe() (Pipe, Pipe) {
	return NewPipe(c.PipeCapacity)
}

// ServerOptions translates the config into server options. Zero-valued
// fields contribute nothing, leaving the package defaults in force.
func (c Config) ServerOptions() []ServerOption {
	var opts []ServerOption
	if c.Instructions != "" {
		opts = append(opts, WithInstructions(c.Instructions))
	}
	if c.PingInterval > 0 {
		opts = append(opts, WithServerPingInterval(c.PingInterval))
	}
	if c.PingTimeout > 0 {
		opts = append(opts, WithServerPingTimeout(c.PingTimeout))
	}
	if c.PingTimeoutThreshold > 0 {
		opts = append(opts, WithServerPingTimeoutThreshold(c.PingTimeoutThreshold))
	}
	if c.SendTimeout > 0 {
		opts = append(opts, WithServerSendTimeout(c.SendTimeout))
	}
	return opts
}

// ClientOptions translates the config into client options.
func (c Config) ClientOptions() []ClientOption {
	var opts []ClientOption
	if c.WriteTimeout > 0 {
		opts = append(opts, WithClientWriteTimeout(c.WriteTimeout))
	}
	if c.ReadTimeout > 0 {
		opts = append(opts, WithClientReadTimeout(c.ReadTimeout))
	}
	if c.PingInterval > 0 {
		opts = append(opts, WithClientPingInterval(c.PingInterval))
	}
	if c.PingTimeoutThreshold > 0 {
		opts = append(opts, WithClientPingTimeoutThreshold(c.PingTimeoutThreshold))
	}
	return opts
}
