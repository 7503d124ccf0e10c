// Package mqtt mirrors node events to a ground MQTT broker.
package mqtt

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/farouk15160/cants/internal/metrics"
	"github.com/farouk15160/cants/internal/redundancy"
)

const DefaultTopicPrefix = "cants"

// Publisher sends one message without blocking. *Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

type MirrorConfig struct {
	Clock     clockwork.Clock
	Publisher Publisher

	NodeID      uint8
	TopicPrefix string
	Rules       []Rule
}

func (c *MirrorConfig) Validate() error {
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	if c.Publisher == nil {
		return errors.New("publisher is required")
	}
	if c.TopicPrefix == "" {
		return errors.New("topic prefix is required")
	}
	seen := make(map[[2]uint8]struct{}, len(c.Rules))
	for i := range c.Rules {
		r := &c.Rules[i]
		key := [2]uint8{r.Source, r.Channel}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate rule for source %02X channel %d", r.Source, r.Channel)
		}
		seen[key] = struct{}{}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule for source %02X channel %d: %w", r.Source, r.Channel, err)
		}
	}
	return nil
}

// Mirror turns node events into JSON messages under
// <prefix>/<node>/... topics.
type Mirror struct {
	log   *slog.Logger
	cfg   MirrorConfig
	base  string
	rules map[[2]uint8][]Field
}

func NewMirror(log *slog.Logger, cfg MirrorConfig) (*Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	rules := make(map[[2]uint8][]Field, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules[[2]uint8{r.Source, r.Channel}] = r.Fields
	}
	return &Mirror{
		log:   log,
		cfg:   cfg,
		base:  baseTopic(cfg.TopicPrefix, cfg.NodeID),
		rules: rules,
	}, nil
}

func baseTopic(prefix string, node uint8) string {
	return fmt.Sprintf("%s/%02x", prefix, node)
}

// StatusTopic carries the node's retained online flag.
func StatusTopic(prefix string, node uint8) string {
	return baseTopic(prefix, node) + "/status"
}

// OfflinePayload is the retained status left behind when the node goes away.
func OfflinePayload() []byte {
	return []byte(`{"online":false}`)
}

type statusPayload struct {
	Online   bool   `json:"online"`
	Version  string `json:"version,omitempty"`
	UnixTime string `json:"unixtime"`
}

// Online announces the node with a retained status message.
func (m *Mirror) Online(version string) {
	m.publishJSON(m.base+"/status", statusPayload{Online: true, Version: version, UnixTime: m.unixTime()}, true)
}

// Offline replaces the retained status before a clean shutdown.
func (m *Mirror) Offline() {
	m.publishJSON(m.base+"/status", statusPayload{Online: false, UnixTime: m.unixTime()}, true)
}

// Unsolicited publishes an unsolicited telemetry payload. Channels with a
// decode rule also carry the decoded fields.
func (m *Mirror) Unsolicited(source, channel uint8, data []byte) {
	payload := map[string]any{
		"source":   source,
		"channel":  channel,
		"data":     hex.EncodeToString(data),
		"unixtime": m.unixTime(),
	}
	if fields, ok := m.rules[[2]uint8{source, channel}]; ok {
		decoded, err := decodeFields(fields, data)
		if err != nil {
			m.log.Debug("mqtt: partial decode", "source", source, "channel", channel, "error", err)
		}
		for k, v := range decoded {
			payload[k] = v
		}
	}
	m.publishJSON(fmt.Sprintf("%s/utm/%02x/%d", m.base, source, channel), payload, false)
}

type timeSyncPayload struct {
	Data     string `json:"data"`
	UnixTime string `json:"unixtime"`
}

func (m *Mirror) TimeSync(data []byte) {
	m.publishJSON(m.base+"/timesync", timeSyncPayload{Data: hex.EncodeToString(data), UnixTime: m.unixTime()}, false)
}

// BusSwitch publishes the watchdog state after a switch. The message is
// retained so late subscribers see the current bus.
func (m *Mirror) BusSwitch(s redundancy.State) {
	m.publishJSON(m.base+"/redundancy", s, true)
}

type blockWrittenPayload struct {
	Source   uint8  `json:"source"`
	Address  uint32 `json:"address"`
	Size     int    `json:"size"`
	UnixTime string `json:"unixtime"`
}

func (m *Mirror) BlockWritten(source uint8, address uint32, size int) {
	m.publishJSON(m.base+"/setblock", blockWrittenPayload{
		Source:   source,
		Address:  address,
		Size:     size,
		UnixTime: m.unixTime(),
	}, false)
}

func (m *Mirror) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		metrics.MirrorPublishErrors.Inc()
		m.log.Warn("Failed to marshal mirror payload", "topic", topic, "error", err)
		return
	}
	if err := m.cfg.Publisher.Publish(topic, payload, retained); err != nil {
		metrics.MirrorPublishErrors.Inc()
		m.log.Debug("mqtt: publish failed", "topic", topic, "error", err)
	}
}

func (m *Mirror) unixTime() string {
	now := m.cfg.Clock.Now()
	return fmt.Sprintf("%d.%06d", now.Unix(), now.Nanosecond()/1000)
}
