package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration struct
type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Mesh     MeshConfig     `mapstructure:"mesh"`
	Router   RouterConfig   `mapstructure:"router"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

// NodeConfig holds per-node configuration
type NodeConfig struct {
	Role     string `mapstructure:"role"`     // "worker" or "shim"
	Port     int    `mapstructure:"port"`     // service port shared by all mesh members
	BindHost string `mapstructure:"bindHost"` // interface the REST API listens on
}

// MeshConfig holds discovery transport settings
type MeshConfig struct {
	ServiceTag    string        `mapstructure:"serviceTag"`
	ListenAddr    string        `mapstructure:"listenAddr"` // libp2p multiaddr
	PeerTTL       time.Duration `mapstructure:"peerTTL"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

// RouterConfig holds request forwarding settings
type RouterConfig struct {
	// ForwardTimeout bounds a forwarded call. Zero leaves it to the transport.
	ForwardTimeout time.Duration `mapstructure:"forwardTimeout"`
	ChunkSize      int           `mapstructure:"chunkSize"`
}

// ScheduleConfig holds scheduler interval settings
type ScheduleConfig struct {
	Rebalance time.Duration `mapstructure:"rebalance"` // zero disables
}

// Load reads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("node.role", "worker")
	v.SetDefault("node.port", 11434)
	v.SetDefault("node.bindHost", "0.0.0.0")
	v.SetDefault("mesh.serviceTag", "mycelia-discovery")
	v.SetDefault("mesh.listenAddr", "/ip4/0.0.0.0/tcp/0")
	v.SetDefault("mesh.peerTTL", 20*time.Second)
	v.SetDefault("mesh.sweepInterval", 5*time.Second)
	v.SetDefault("router.forwardTimeout", time.Duration(0))
	v.SetDefault("router.chunkSize", 32*1024)
	v.SetDefault("schedule.rebalance", 60*time.Second)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("mycelia")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
