package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// NotificationHook describes one outbound webhook destination for terminal
// batch notifications.
type NotificationHook struct {
	URL       string `yaml:"url"`
	Transport string `yaml:"transport,omitempty"` // "http" (default) or "mqtt"
	Auth      *struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"auth,omitempty"`
	// MQTT-transport fields, only consulted when Transport == "mqtt".
	Broker string `yaml:"broker,omitempty"`
	Topic  string `yaml:"topic,omitempty"`
}

// GPUSpec describes one GPU device available on a node.
type GPUSpec struct {
	ID   int   `yaml:"id"`
	VRAM int64 `yaml:"vram"`
}

// NodeHardware describes the GPU inventory of a node.
type NodeHardware struct {
	GPUs []GPUSpec `yaml:"gpus"`
}

// NodeTLS holds mTLS material for connecting to a docker daemon.
type NodeTLS struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// NodeConfig describes one configured docker host in controller.docker.nodes.
type NodeConfig struct {
	BaseURL     string            `yaml:"base_url"`
	TLS         *NodeTLS          `yaml:"tls,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Network     string            `yaml:"network,omitempty"`
	Hardware    *NodeHardware     `yaml:"hardware,omitempty"`
}

// DockerConfig holds the controller.docker section.
type DockerConfig struct {
	Nodes                     map[string]NodeConfig `yaml:"nodes"`
	AllowInsecureCapabilities bool                   `yaml:"allow_insecure_capabilities"`
}

// SchedulingConfig holds optional scheduler tuning beyond the fixed 60s tick.
type SchedulingConfig struct {
	Strategy string `yaml:"strategy,omitempty"` // "binpack" (default) or "spread"
	Cron     string `yaml:"cron,omitempty"`     // optional cron expression, supplements the tick
}

// ControllerConfig holds the controller section.
type ControllerConfig struct {
	BindSocketPath    string             `yaml:"bind_socket_path"`
	NotificationHooks []NotificationHook `yaml:"notification_hooks,omitempty"`
	Docker            DockerConfig       `yaml:"docker"`
	Scheduling        SchedulingConfig   `yaml:"scheduling,omitempty"`
}

// BrokerAuth holds login-attempt throttling settings, carried through from
// the documented schema even though broker auth is out of scope here.
type BrokerAuth struct {
	NumLoginAttempts      int `yaml:"num_login_attempts"`
	BlockForSeconds       int `yaml:"block_for_seconds"`
	TokensValidForSeconds int `yaml:"tokens_valid_for_seconds"`
}

// BrokerConfig holds the broker section.
type BrokerConfig struct {
	ExternalURL string     `yaml:"external_url"`
	Auth        BrokerAuth `yaml:"auth"`
}

// TrusteeConfig holds the trustee section.
type TrusteeConfig struct {
	BindSocketPath string `yaml:"bind_socket_path"`
}

// MongoConfig holds the mongo section. The store package's BoltDB backend
// does not read this section (its database file is DBPath); DB is required
// by Validate and the remaining fields are accepted for schema
// compatibility but otherwise unused.
type MongoConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	DB       string `yaml:"db"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Config is the root of the Agency's YAML configuration document.
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Controller ControllerConfig `yaml:"controller"`
	Trustee    TrusteeConfig    `yaml:"trustee"`
	Mongo      MongoConfig      `yaml:"mongo"`

	// Ambient settings, not part of the documented schema.
	DBPath  string `yaml:"db_path,omitempty"`
	LogJSON bool   `yaml:"log_json,omitempty"`
}

// Load reads and parses a YAML configuration file at path, applying
// AGENCY_* environment overrides for local development afterward.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if cfg.DBPath == "" {
		cfg.DBPath = "/data/agency.db"
	}
	return &cfg, nil
}

// applyEnvOverrides lets AGENCY_* environment variables override a handful
// of fields useful for local development, without requiring a YAML edit.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AGENCY_BROKER_EXTERNAL_URL"); v != "" {
		c.Broker.ExternalURL = v
	}
	if v := os.Getenv("AGENCY_CONTROLLER_BIND_SOCKET_PATH"); v != "" {
		c.Controller.BindSocketPath = v
	}
	if v := os.Getenv("AGENCY_TRUSTEE_BIND_SOCKET_PATH"); v != "" {
		c.Trustee.BindSocketPath = v
	}
	if v := os.Getenv("AGENCY_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("AGENCY_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.LogJSON = b
		}
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Broker.ExternalURL == "" {
		errs = append(errs, errors.New("broker.external_url is required"))
	}
	if c.Controller.BindSocketPath == "" {
		errs = append(errs, errors.New("controller.bind_socket_path is required"))
	}
	if c.Trustee.BindSocketPath == "" {
		errs = append(errs, errors.New("trustee.bind_socket_path is required"))
	}
	if c.Mongo.DB == "" {
		errs = append(errs, errors.New("mongo.db is required"))
	}
	if len(c.Controller.Docker.Nodes) == 0 {
		errs = append(errs, errors.New("controller.docker.nodes must configure at least one node"))
	}
	for name, n := range c.Controller.Docker.Nodes {
		if n.BaseURL == "" {
			errs = append(errs, fmt.Errorf("controller.docker.nodes.%s.base_url is required", name))
		}
	}
	switch strings.ToLower(c.Controller.Scheduling.Strategy) {
	case "", "binpack", "spread":
	default:
		errs = append(errs, fmt.Errorf("controller.scheduling.strategy must be binpack or spread, got %q", c.Controller.Scheduling.Strategy))
	}
	for i, h := range c.Controller.NotificationHooks {
		switch h.Transport {
		case "", "http":
		case "mqtt":
			if h.Broker == "" || h.Topic == "" {
				errs = append(errs, fmt.Errorf("controller.notification_hooks[%d]: mqtt transport requires broker and topic", i))
			}
		default:
			errs = append(errs, fmt.Errorf("controller.notification_hooks[%d]: unknown transport %q", i, h.Transport))
		}
	}

	return errors.Join(errs...)
}

// Strategy returns the configured scheduling strategy, defaulting to binpack.
func (c *Config) Strategy() string {
	s := strings.ToLower(c.Controller.Scheduling.Strategy)
	if s == "" {
		return "binpack"
	}
	return s
}
