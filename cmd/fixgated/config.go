package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/fixgate/internal/engine"
	"github.com/danmuck/fixgate/internal/transport"
)

type fileConfig struct {
	NodeID              string     `toml:"node_id"`
	Dir                 string     `toml:"dir"`
	Listen              string     `toml:"listen"`
	AcceptBacklog       int        `toml:"accept_backlog"`
	AdminAddr           string     `toml:"admin_addr"`
	CorsOrigins         []string   `toml:"cors_origins"`
	AdminRequestTimeout string     `toml:"admin_request_timeout"`
	AdminToken          string     `toml:"admin_token"`
	Leader              bool       `toml:"leader"`
	DebugTags           []string   `toml:"debug_tags"`
	Bus                 fileBus    `toml:"bus"`
	Framer              fileFramer `toml:"framer"`
	Idle                fileIdle   `toml:"idle"`
	TLS                 fileTLS    `toml:"tls"`
}

type fileTLS struct {
	SecurityMode       string `toml:"security_mode"`
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileBus struct {
	Capacity             int `toml:"capacity"`
	MaxPayloadLength     int `toml:"max_payload_length"`
	ArchiveFragmentLimit int `toml:"archive_fragment_limit"`
}

type fileFramer struct {
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

type fileIdle struct {
	MaxSpins     int     `toml:"max_spins"`
	MaxYields    int     `toml:"max_yields"`
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
}

// loadEngineConfig overlays the keys present in path onto
// engine.DefaultConfig.
func loadEngineConfig(path string) (engine.Config, error) {
	cfg := engine.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return engine.Config{}, fmt.Errorf("load fixgated config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return engine.Config{}, fmt.Errorf("load fixgated config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("node_id") {
		cfg.NodeID = strings.TrimSpace(raw.NodeID)
	}
	if meta.IsDefined("dir") {
		cfg.Dir = strings.TrimSpace(raw.Dir)
	}
	if meta.IsDefined("listen") {
		cfg.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("accept_backlog") {
		cfg.AcceptBacklog = raw.AcceptBacklog
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("leader") {
		cfg.Leader = raw.Leader
	}
	if meta.IsDefined("debug_tags") {
		cfg.DebugTags = normalizeList(raw.DebugTags)
	}

	durations := []struct {
		key  []string
		raw  string
		dest *time.Duration
	}{
		{[]string{"admin_request_timeout"}, raw.AdminRequestTimeout, &cfg.AdminRequestTimeout},
		{[]string{"framer", "reply_timeout"}, raw.Framer.ReplyTimeout, &cfg.Framer.ReplyTimeout},
		{[]string{"framer", "no_logon_disconnect_timeout"}, raw.Framer.NoLogonDisconnectTimeout, &cfg.Framer.NoLogonDisconnectTimeout},
		{[]string{"framer", "connect_timeout"}, raw.Framer.ConnectTimeout, &cfg.Framer.ConnectTimeout},
		{[]string{"framer", "send_timeout"}, raw.Framer.SendTimeout, &cfg.Framer.SendTimeout},
		{[]string{"idle", "initial_delay"}, raw.Idle.InitialDelay, &cfg.Idle.InitialDelay},
		{[]string{"idle", "max_delay"}, raw.Idle.MaxDelay, &cfg.Idle.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return engine.Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dest = v
	}

	ints := []struct {
		key  []string
		raw  int
		dest *int
	}{
		{[]string{"bus", "capacity"}, raw.Bus.Capacity, &cfg.BusCapacity},
		{[]string{"bus", "max_payload_length"}, raw.Bus.MaxPayloadLength, &cfg.MaxPayloadLength},
		{[]string{"bus", "archive_fragment_limit"}, raw.Bus.ArchiveFragmentLimit, &cfg.ArchiveFragmentLimit},
		{[]string{"framer", "outbound_library_fragment_limit"}, raw.Framer.OutboundLibraryFragmentLimit, &cfg.Framer.OutboundLibraryFragmentLimit},
		{[]string{"framer", "replay_fragment_limit"}, raw.Framer.ReplayFragmentLimit, &cfg.Framer.ReplayFragmentLimit},
		{[]string{"framer", "inbound_bytes_received_limit"}, raw.Framer.InboundBytesReceivedLimit, &cfg.Framer.InboundBytesReceivedLimit},
		{[]string{"framer", "receiver_buffer_size"}, raw.Framer.ReceiverBufferSize, &cfg.Framer.ReceiverBufferSize},
		{[]string{"framer", "sender_queue_depth"}, raw.Framer.SenderQueueDepth, &cfg.Framer.SenderQueueDepth},
		{[]string{"idle", "max_spins"}, raw.Idle.MaxSpins, &cfg.Idle.MaxSpins},
		{[]string{"idle", "max_yields"}, raw.Idle.MaxYields, &cfg.Idle.MaxYields},
	}
	for _, n := range ints {
		if meta.IsDefined(n.key...) {
			*n.dest = n.raw
		}
	}

	if meta.IsDefined("framer", "default_heartbeat_interval_s") {
		cfg.Framer.DefaultHeartbeatIntervalS = raw.Framer.DefaultHeartbeatIntervalS
	}
	if meta.IsDefined("framer", "connection_id_seed") {
		cfg.Framer.ConnectionIDSeed = raw.Framer.ConnectionIDSeed
	}
	if meta.IsDefined("idle", "multiplier") {
		cfg.Idle.Multiplier = raw.Idle.Multiplier
	}
	if meta.IsDefined("tls") {
		cfg.Security = transport.Config{
			SecurityMode: transport.SecurityMode(strings.TrimSpace(raw.TLS.SecurityMode)),
			TLS: transport.TLSConfig{
				Enabled:            raw.TLS.Enabled,
				Mutual:             raw.TLS.Mutual,
				CertFile:           strings.TrimSpace(raw.TLS.CertFile),
				KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
				CAFile:             strings.TrimSpace(raw.TLS.CAFile),
				ServerName:         strings.TrimSpace(raw.TLS.ServerName),
				InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
			},
		}
	}

	if err := cfg.Validate(); err != nil {
		return engine.Config{}, err
	}
	return cfg, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
