package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/fixgate/internal/logging"
	"github.com/danmuck/fixgate/internal/transport"
	"github.com/pelletier/go-toml/v2"
)

// GatewayFile is the on-disk shape of a fixgated config. Durations are
// strings in time.ParseDuration form.
type GatewayFile struct {
	NodeID              string        `toml:"node_id"`
	Dir                 string        `toml:"dir"`
	Listen              string        `toml:"listen"`
	AcceptBacklog       int           `toml:"accept_backlog"`
	AdminAddr           string        `toml:"admin_addr"`
	CorsOrigins         []string      `toml:"cors_origins"`
	AdminRequestTimeout string        `toml:"admin_request_timeout"`
	AdminToken          string        `toml:"admin_token"`
	Leader              *bool         `toml:"leader"`
	DebugTags           []string      `toml:"debug_tags"`
	Bus                 BusSection    `toml:"bus"`
	Framer              FramerSection `toml:"framer"`
	Idle                IdleSection   `toml:"idle"`
	TLS                 TLSSection    `toml:"tls"`
}

type BusSection struct {
	Capacity             int `toml:"capacity"`
	MaxPayloadLength     int `toml:"max_payload_length"`
	ArchiveFragmentLimit int `toml:"archive_fragment_limit"`
}

type FramerSection struct {
	ReplyTimeout                 string `toml:"reply_timeout"`
	NoLogonDisconnectTimeout     string `toml:"no_logon_disconnect_timeout"`
	DefaultHeartbeatIntervalS    int32  `toml:"default_heartbeat_interval_s"`
	ConnectTimeout               string `toml:"connect_timeout"`
	SendTimeout                  string `toml:"send_timeout"`
	OutboundLibraryFragmentLimit int    `toml:"outbound_library_fragment_limit"`
	ReplayFragmentLimit          int    `toml:"replay_fragment_limit"`
	InboundBytesReceivedLimit    int    `toml:"inbound_bytes_received_limit"`
	ReceiverBufferSize           int    `toml:"receiver_buffer_size"`
	SenderQueueDepth             int    `toml:"sender_queue_depth"`
	ConnectionIDSeed             int64  `toml:"connection_id_seed"`
}

type TLSSection struct {
	SecurityMode       string `toml:"security_mode"`
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Transport converts the section into counterparty transport settings.
func (s TLSSection) Transport() transport.Config {
	return transport.Config{
		SecurityMode: transport.SecurityMode(s.SecurityMode),
		TLS: transport.TLSConfig{
			Enabled:            s.Enabled,
			Mutual:             s.Mutual,
			CertFile:           s.CertFile,
			KeyFile:            s.KeyFile,
			CAFile:             s.CAFile,
			ServerName:         s.ServerName,
			InsecureSkipVerify: s.InsecureSkipVerify,
		},
	}
}

type IdleSection struct {
	MaxSpins     int     `toml:"max_spins"`
	MaxYields    int     `toml:"max_yields"`
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
}

// LoadGatewayFile decodes path strictly; unknown keys are errors.
func LoadGatewayFile(path string) (GatewayFile, error) {
	var cfg GatewayFile
	if err := loadToml(path, &cfg); err != nil {
		return GatewayFile{}, err
	}
	if err := ValidateGatewayFile(cfg); err != nil {
		return GatewayFile{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateGatewayFile(cfg GatewayFile) error {
	if cfg.Listen != "" {
		if err := validateAddr("listen", cfg.Listen); err != nil {
			return err
		}
	}
	if cfg.AdminAddr != "" {
		if err := validateAddr("admin_addr", cfg.AdminAddr); err != nil {
			return err
		}
	}
	if cfg.AcceptBacklog < 0 {
		return fmt.Errorf("accept_backlog must not be negative")
	}
	for _, tag := range cfg.DebugTags {
		if _, ok := logging.ParseTag(tag); !ok {
			return fmt.Errorf("debug_tags: unknown tag %q", tag)
		}
	}

	durations := map[string]string{
		"admin_request_timeout":              cfg.AdminRequestTimeout,
		"framer.reply_timeout":               cfg.Framer.ReplyTimeout,
		"framer.no_logon_disconnect_timeout": cfg.Framer.NoLogonDisconnectTimeout,
		"framer.connect_timeout":             cfg.Framer.ConnectTimeout,
		"framer.send_timeout":                cfg.Framer.SendTimeout,
		"idle.initial_delay":                 cfg.Idle.InitialDelay,
		"idle.max_delay":                     cfg.Idle.MaxDelay,
	}
	for key, raw := range durations {
		if err := validateDuration(key, raw); err != nil {
			return err
		}
	}

	counts := map[string]int{
		"bus.capacity":                           cfg.Bus.Capacity,
		"bus.max_payload_length":                 cfg.Bus.MaxPayloadLength,
		"bus.archive_fragment_limit":             cfg.Bus.ArchiveFragmentLimit,
		"framer.default_heartbeat_interval_s":    int(cfg.Framer.DefaultHeartbeatIntervalS),
		"framer.outbound_library_fragment_limit": cfg.Framer.OutboundLibraryFragmentLimit,
		"framer.replay_fragment_limit":           cfg.Framer.ReplayFragmentLimit,
		"framer.inbound_bytes_received_limit":    cfg.Framer.InboundBytesReceivedLimit,
		"framer.receiver_buffer_size":            cfg.Framer.ReceiverBufferSize,
		"framer.sender_queue_depth":              cfg.Framer.SenderQueueDepth,
		"idle.max_spins":                         cfg.Idle.MaxSpins,
		"idle.max_yields":                        cfg.Idle.MaxYields,
	}
	for key, v := range counts {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	if cfg.Bus.Capacity == 1 {
		return fmt.Errorf("bus.capacity must be at least 2")
	}
	if cfg.Idle.Multiplier != 0 && cfg.Idle.Multiplier < 1 {
		return fmt.Errorf("idle.multiplier must be at least 1")
	}
	if err := cfg.TLS.Transport().ValidateAcceptor(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return nil
}

func validateAddr(key, addr string) error {
	if _, _, err := net.SplitHostPort(strings.TrimSpace(addr)); err != nil {
		return fmt.Errorf("%s %q: %w", key, addr, err)
	}
	return nil
}

func validateDuration(key, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", key)
	}
	return nil
}
