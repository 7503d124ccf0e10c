// Package config loads the node configuration from YAML and maps it onto the
// component configs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"

	"github.com/farouk15160/cants/internal/app"
	"github.com/farouk15160/cants/internal/candrv"
	"github.com/farouk15160/cants/internal/cants"
	"github.com/farouk15160/cants/internal/mqtt"
	"github.com/farouk15160/cants/internal/redundancy"
	"github.com/farouk15160/cants/internal/storage"
)

const DefaultMetricsAddr = ":8080"

type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Queues     QueueConfig      `yaml:"queues"`
	SetBlock   SetBlockConfig   `yaml:"set_block"`
	GetBlock   GetBlockConfig   `yaml:"get_block"`
	KeepAlive  KeepAliveConfig  `yaml:"keep_alive"`
	CAN        CANConfig        `yaml:"can"`
	Redundancy RedundancyConfig `yaml:"redundancy"`
	Storage    StorageConfig    `yaml:"storage"`
	App        AppConfig        `yaml:"app"`
	MQTT       MQTTConfig       `yaml:"mqtt"`

	MetricsAddr string `yaml:"metrics_addr"`
}

type NodeConfig struct {
	ID             uint8 `yaml:"id"`
	TimeID         uint8 `yaml:"time_id"`
	KeepAliveID    uint8 `yaml:"keep_alive_id"`
	SoftwareFilter bool  `yaml:"software_filter"`
}

type QueueConfig struct {
	Dispatcher     int           `yaml:"dispatcher"`
	Telecommand    int           `yaml:"telecommand"`
	Telemetry      int           `yaml:"telemetry"`
	SetBlock       int           `yaml:"set_block"`
	GetBlock       int           `yaml:"get_block"`
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
}

type SetBlockConfig struct {
	Sessions        int           `yaml:"sessions"`
	Timeout         time.Duration `yaml:"timeout"`
	WritingInterval time.Duration `yaml:"writing_interval"`
}

type GetBlockConfig struct {
	Sessions      int           `yaml:"sessions"`
	Timeout       time.Duration `yaml:"timeout"`
	BurstSize     int           `yaml:"burst_size"`
	BurstInterval time.Duration `yaml:"burst_interval"`
}

type KeepAliveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	UTMChannelMin uint8         `yaml:"utm_channel_min"`
	UTMChannelMax uint8         `yaml:"utm_channel_max"`
	Period        time.Duration `yaml:"period"`
}

type CANConfig struct {
	// Interfaces lists bus 0 and, optionally, bus 1.
	Interfaces  []string      `yaml:"interfaces"`
	TxQueueLen  int           `yaml:"tx_queue_len"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type RedundancyConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MasterID    uint8         `yaml:"master_id"`
	Period      time.Duration `yaml:"period"`
	MaxMisses   int           `yaml:"max_misses"`
	MaxSwitches int           `yaml:"max_switches"`
}

type StorageConfig struct {
	Size       int           `yaml:"size"`
	WriteDelay time.Duration `yaml:"write_delay"`
}

type AppConfig struct {
	Registers int `yaml:"registers"`
}

type MQTTConfig struct {
	// Broker disables the ground mirror when empty.
	Broker      string      `yaml:"broker"`
	ClientID    string      `yaml:"client_id"`
	TopicPrefix string      `yaml:"topic_prefix"`
	Rules       []mqtt.Rule `yaml:"rules"`
}

// Default returns the configuration used for every key the file leaves out.
func Default() Config {
	return Config{
		Node: NodeConfig{
			ID:             cants.DefaultNodeID,
			TimeID:         cants.DefaultTimeID,
			KeepAliveID:    cants.DefaultKeepAliveID,
			SoftwareFilter: true,
		},
		Queues: QueueConfig{
			Dispatcher:     cants.DefaultDispatcherQueueLen,
			Telecommand:    cants.DefaultTCQueueLen,
			Telemetry:      cants.DefaultTMQueueLen,
			SetBlock:       cants.DefaultSetBlockQueueLen,
			GetBlock:       cants.DefaultGetBlockQueueLen,
			ForwardTimeout: cants.DefaultForwardTimeout,
		},
		SetBlock: SetBlockConfig{
			Sessions:        cants.DefaultSessions,
			Timeout:         cants.DefaultSetBlockTimeout,
			WritingInterval: cants.DefaultSetBlockWritingInterval,
		},
		GetBlock: GetBlockConfig{
			Sessions:      cants.DefaultSessions,
			Timeout:       cants.DefaultGetBlockTimeout,
			BurstSize:     cants.DefaultGetBlockBurstSize,
			BurstInterval: cants.DefaultGetBlockBurstInterval,
		},
		KeepAlive: KeepAliveConfig{
			Enabled: true,
			Period:  cants.DefaultKeepAlivePeriod,
		},
		CAN: CANConfig{
			Interfaces:  []string{"can0", "can1"},
			TxQueueLen:  candrv.DefaultTxQueueLen,
			SendTimeout: candrv.DefaultSendTimeout,
			OpenTimeout: candrv.DefaultOpenTimeout,
		},
		Redundancy: RedundancyConfig{
			Enabled:     true,
			MasterID:    redundancy.DefaultMasterID,
			Period:      redundancy.DefaultPeriod,
			MaxMisses:   redundancy.DefaultMaxMisses,
			MaxSwitches: redundancy.DefaultMaxSwitches,
		},
		Storage: StorageConfig{
			Size: storage.DefaultSize,
		},
		App: AppConfig{
			Registers: app.DefaultRegisters,
		},
		MQTT: MQTTConfig{
			ClientID:    "cants-node",
			TopicPrefix: mqtt.DefaultTopicPrefix,
		},
		MetricsAddr: DefaultMetricsAddr,
	}
}

// Load reads the YAML file at path on top of Default. Unknown keys are an
// error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode yaml: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that the component constructors cannot see as a
// whole. Each component validates its own config again when built.
func (c *Config) Validate() error {
	if n := len(c.CAN.Interfaces); n == 0 || n > 2 {
		return errors.New("can: one or two interfaces are required")
	}
	for i, name := range c.CAN.Interfaces {
		if name == "" {
			return fmt.Errorf("can: interface %d has no name", i)
		}
	}
	if c.CAN.OpenTimeout <= 0 {
		return errors.New("can: open timeout must be greater than 0")
	}
	if c.Redundancy.Enabled && len(c.CAN.Interfaces) < 2 {
		return errors.New("redundancy: two can interfaces are required")
	}
	if c.KeepAlive.Enabled && int(c.KeepAlive.UTMChannelMax) >= c.App.Registers {
		return fmt.Errorf("keep_alive: utm channel %d has no register", c.KeepAlive.UTMChannelMax)
	}
	if c.MQTT.Broker != "" && c.MQTT.TopicPrefix == "" {
		return errors.New("mqtt: topic prefix is required")
	}
	return nil
}

// Stack maps the node settings onto the CAN-TS stack config. Collaborators
// are left for the caller.
func (c *Config) Stack(clock clockwork.Clock) cants.Config {
	return cants.Config{
		Clock:                   clock,
		NodeID:                  c.Node.ID,
		TimeID:                  c.Node.TimeID,
		KeepAliveID:             c.Node.KeepAliveID,
		SoftwareFilter:          c.Node.SoftwareFilter,
		DispatcherQueueLen:      c.Queues.Dispatcher,
		TCQueueLen:              c.Queues.Telecommand,
		TMQueueLen:              c.Queues.Telemetry,
		SetBlockQueueLen:        c.Queues.SetBlock,
		GetBlockQueueLen:        c.Queues.GetBlock,
		ForwardTimeout:          c.Queues.ForwardTimeout,
		SetBlockSessions:        c.SetBlock.Sessions,
		GetBlockSessions:        c.GetBlock.Sessions,
		SetBlockTimeout:         c.SetBlock.Timeout,
		SetBlockWritingInterval: c.SetBlock.WritingInterval,
		GetBlockTimeout:         c.GetBlock.Timeout,
		GetBlockBurstSize:       c.GetBlock.BurstSize,
		GetBlockBurstInterval:   c.GetBlock.BurstInterval,
		KeepAlive: cants.KeepAlive{
			Enabled:       c.KeepAlive.Enabled,
			UTMChannelMin: c.KeepAlive.UTMChannelMin,
			UTMChannelMax: c.KeepAlive.UTMChannelMax,
			Period:        c.KeepAlive.Period,
		},
	}
}

func (c *Config) Driver(clock clockwork.Clock, ports []candrv.Port) candrv.Config {
	return candrv.Config{
		Clock:       clock,
		Ports:       ports,
		TxQueueLen:  c.CAN.TxQueueLen,
		SendTimeout: c.CAN.SendTimeout,
	}
}

func (c *Config) Watchdog(clock clockwork.Clock, switcher redundancy.BusSwitcher) redundancy.Config {
	return redundancy.Config{
		Clock:       clock,
		Switcher:    switcher,
		MasterID:    c.Redundancy.MasterID,
		Period:      c.Redundancy.Period,
		MaxMisses:   c.Redundancy.MaxMisses,
		MaxSwitches: c.Redundancy.MaxSwitches,
	}
}

func (c *Config) Memory(clock clockwork.Clock) storage.Config {
	return storage.Config{
		Clock:      clock,
		Size:       c.Storage.Size,
		QueueLen:   c.SetBlock.Sessions,
		WriteDelay: c.Storage.WriteDelay,
	}
}

func (c *Config) Mirror(clock clockwork.Clock, pub mqtt.Publisher) mqtt.MirrorConfig {
	return mqtt.MirrorConfig{
		Clock:       clock,
		Publisher:   pub,
		NodeID:      c.Node.ID,
		TopicPrefix: c.MQTT.TopicPrefix,
		Rules:       c.MQTT.Rules,
	}
}
