// Package config loads the settings shared by the instance and Stream Manager
// commands from a file and STMGR_LINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"stmgr-link/client"
	"stmgr-link/codec"
	"stmgr-link/logging"
	"stmgr-link/message"
	"stmgr-link/transport"
)

const EnvPrefix = "STMGR_LINK"

type Config struct {
	Instance InstanceConfig `mapstructure:"instance" yaml:"instance"`
	Stmgr    StmgrConfig    `mapstructure:"stmgr" yaml:"stmgr"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Codec    string         `mapstructure:"codec" yaml:"codec"`
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// InstanceConfig identifies this task to its Stream Manager.
type InstanceConfig struct {
	ID             string `mapstructure:"id" yaml:"id"`
	TaskID         int32  `mapstructure:"task_id" yaml:"task_id"`
	ComponentIndex int32  `mapstructure:"component_index" yaml:"component_index"`
	ComponentName  string `mapstructure:"component_name" yaml:"component_name"`
	TopologyName   string `mapstructure:"topology_name" yaml:"topology_name"`
	TopologyID     string `mapstructure:"topology_id" yaml:"topology_id"`
}

type StmgrConfig struct {
	ID string `mapstructure:"id" yaml:"id"`
	// Address is dialed directly when the registry type is "static".
	Address string `mapstructure:"address" yaml:"address"`
	// Listen is where the stmgr command accepts instances.
	Listen string `mapstructure:"listen" yaml:"listen"`
	// AdvertiseHost is published to the registry.
	AdvertiseHost string `mapstructure:"advertise_host" yaml:"advertise_host"`
}

type NetworkConfig struct {
	RetryInterval     time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	MaxRetryAttempts  int           `mapstructure:"max_retry_attempts" yaml:"max_retry_attempts"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	NoDelay           bool          `mapstructure:"no_delay" yaml:"no_delay"`
	SocketReadBuffer  int           `mapstructure:"socket_read_buffer" yaml:"socket_read_buffer"`
	SocketWriteBuffer int           `mapstructure:"socket_write_buffer" yaml:"socket_write_buffer"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size" yaml:"read_buffer_size"`
	DrainBatch        int           `mapstructure:"drain_batch" yaml:"drain_batch"`
	ReadBatch         int           `mapstructure:"read_batch" yaml:"read_batch"`
	WriteHighWater    int           `mapstructure:"write_high_water" yaml:"write_high_water"`
	MaxSendRate       float64       `mapstructure:"max_send_rate" yaml:"max_send_rate"`
}

type QueueConfig struct {
	OutboundCapacity    int           `mapstructure:"outbound_capacity" yaml:"outbound_capacity"`
	InboundCapacity     int           `mapstructure:"inbound_capacity" yaml:"inbound_capacity"`
	OfferTimeout        time.Duration `mapstructure:"offer_timeout" yaml:"offer_timeout"`
	InboundOfferTimeout time.Duration `mapstructure:"inbound_offer_timeout" yaml:"inbound_offer_timeout"`
}

type RegistryConfig struct {
	// Type is "static" (use stmgr.address) or "etcd".
	Type        string        `mapstructure:"type" yaml:"type"`
	Endpoints   []string      `mapstructure:"endpoints" yaml:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	TTL         int64         `mapstructure:"ttl" yaml:"ttl"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MetricsConfig struct {
	// Listen serves /metrics when non-empty.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Default mirrors client.DefaultConfig and logging.DefaultOptions.
func Default() Config {
	cc := client.DefaultConfig()
	lo := logging.DefaultOptions()
	return Config{
		Stmgr: StmgrConfig{
			ID:            "stmgr-1",
			Address:       "127.0.0.1:9700",
			Listen:        "127.0.0.1:9700",
			AdvertiseHost: "127.0.0.1",
		},
		Network: NetworkConfig{
			RetryInterval:     cc.RetryInterval,
			MaxRetryAttempts:  cc.MaxRetryAttempts,
			ConnectTimeout:    cc.ConnectTimeout,
			HandshakeTimeout:  cc.HandshakeTimeout,
			RequestTimeout:    cc.RequestTimeout,
			NoDelay:           cc.Socket.NoDelay,
			SocketReadBuffer:  cc.Socket.ReadBufferSize,
			SocketWriteBuffer: cc.Socket.WriteBufferSize,
			ReadBufferSize:    cc.ReadBufferSize,
			DrainBatch:        cc.DrainBatch,
			ReadBatch:         cc.ReadBatch,
			WriteHighWater:    cc.WriteHighWater,
			MaxSendRate:       cc.MaxSendRate,
		},
		Queue: QueueConfig{
			OutboundCapacity:    1024,
			InboundCapacity:     1024,
			OfferTimeout:        cc.OfferTimeout,
			InboundOfferTimeout: cc.InboundOfferTimeout,
		},
		Codec: "proto",
		Registry: RegistryConfig{
			Type:        "static",
			DialTimeout: 5 * time.Second,
			TTL:         10,
		},
		Log: LogConfig{
			Level:      lo.Level,
			Format:     lo.Format,
			MaxSizeMB:  lo.MaxSizeMB,
			MaxBackups: lo.MaxBackups,
			MaxAgeDays: lo.MaxAgeDays,
		},
	}
}

// Option adjusts the viper instance before the configuration is decoded.
type Option func(v *viper.Viper) error

// BindFlag lets a command-line flag override key when the flag was set.
func BindFlag(key string, flag *pflag.Flag) Option {
	return func(v *viper.Viper) error {
		if flag == nil {
			return nil
		}
		return v.BindPFlag(key, flag)
	}
}

// Load reads path (if not empty) over the defaults. Environment overrides such
// as STMGR_LINK_NETWORK_RETRY_INTERVAL=250ms win over the file, and bound flags
// win over both.
func Load(path string, opts ...Option) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key, which is also what lets AutomaticEnv see them.
func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]any{
		"instance.id":                 d.Instance.ID,
		"instance.task_id":            d.Instance.TaskID,
		"instance.component_index":    d.Instance.ComponentIndex,
		"instance.component_name":     d.Instance.ComponentName,
		"instance.topology_name":      d.Instance.TopologyName,
		"instance.topology_id":        d.Instance.TopologyID,
		"stmgr.id":                    d.Stmgr.ID,
		"stmgr.address":               d.Stmgr.Address,
		"stmgr.listen":                d.Stmgr.Listen,
		"stmgr.advertise_host":        d.Stmgr.AdvertiseHost,
		"network.retry_interval":      d.Network.RetryInterval,
		"network.max_retry_attempts":  d.Network.MaxRetryAttempts,
		"network.connect_timeout":     d.Network.ConnectTimeout,
		"network.handshake_timeout":   d.Network.HandshakeTimeout,
		"network.request_timeout":     d.Network.RequestTimeout,
		"network.no_delay":            d.Network.NoDelay,
		"network.socket_read_buffer":  d.Network.SocketReadBuffer,
		"network.socket_write_buffer": d.Network.SocketWriteBuffer,
		"network.read_buffer_size":    d.Network.ReadBufferSize,
		"network.drain_batch":         d.Network.DrainBatch,
		"network.read_batch":          d.Network.ReadBatch,
		"network.write_high_water":    d.Network.WriteHighWater,
		"network.max_send_rate":       d.Network.MaxSendRate,
		"queue.outbound_capacity":     d.Queue.OutboundCapacity,
		"queue.inbound_capacity":      d.Queue.InboundCapacity,
		"queue.offer_timeout":         d.Queue.OfferTimeout,
		"queue.inbound_offer_timeout": d.Queue.InboundOfferTimeout,
		"codec":                       d.Codec,
		"registry.type":               d.Registry.Type,
		"registry.endpoints":          d.Registry.Endpoints,
		"registry.dial_timeout":       d.Registry.DialTimeout,
		"registry.ttl":                d.Registry.TTL,
		"log.level":                   d.Log.Level,
		"log.format":                  d.Log.Format,
		"log.file":                    d.Log.File,
		"log.max_size_mb":             d.Log.MaxSizeMB,
		"log.max_backups":             d.Log.MaxBackups,
		"log.max_age_days":            d.Log.MaxAgeDays,
		"log.compress":                d.Log.Compress,
		"metrics.listen":              d.Metrics.Listen,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

func (c Config) Validate() error {
	var errs []error
	if err := c.ClientConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Queue.OutboundCapacity < 1 || c.Queue.InboundCapacity < 1 {
		errs = append(errs, errors.New("queue capacities must be at least 1"))
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		errs = append(errs, err)
	}
	switch c.Registry.Type {
	case "static":
	case "etcd":
		if len(c.Registry.Endpoints) == 0 {
			errs = append(errs, errors.New("etcd registry needs at least one endpoint"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry type %q", c.Registry.Type))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ClientConfig maps the network and queue sections onto client.Config.
func (c Config) ClientConfig() client.Config {
	return client.Config{
		RetryInterval:       c.Network.RetryInterval,
		MaxRetryAttempts:    c.Network.MaxRetryAttempts,
		ConnectTimeout:      c.Network.ConnectTimeout,
		HandshakeTimeout:    c.Network.HandshakeTimeout,
		RequestTimeout:      c.Network.RequestTimeout,
		DrainBatch:          c.Network.DrainBatch,
		ReadBatch:           c.Network.ReadBatch,
		ReadBufferSize:      c.Network.ReadBufferSize,
		WriteHighWater:      c.Network.WriteHighWater,
		MaxSendRate:         c.Network.MaxSendRate,
		OfferTimeout:        c.Queue.OfferTimeout,
		InboundOfferTimeout: c.Queue.InboundOfferTimeout,
		Socket: transport.Options{
			NoDelay:         c.Network.NoDelay,
			ReadBufferSize:  c.Network.SocketReadBuffer,
			WriteBufferSize: c.Network.SocketWriteBuffer,
		},
	}
}

// CodecType is the configured payload codec. Validate has already checked it.
func (c Config) CodecType() codec.CodecType {
	t, _ := codec.ParseCodecType(c.Codec)
	return t
}

// RegisterRequest is the handshake the instance sends.
func (c Config) RegisterRequest() *message.RegisterInstanceRequest {
	return &message.RegisterInstanceRequest{
		Instance: message.Instance{
			InstanceID:     c.Instance.ID,
			StmgrID:        c.Stmgr.ID,
			TaskID:         c.Instance.TaskID,
			ComponentIndex: c.Instance.ComponentIndex,
			ComponentName:  c.Instance.ComponentName,
		},
		TopologyName: c.Instance.TopologyName,
		TopologyID:   c.Instance.TopologyID,
	}
}

func (c Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}
