package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "gateway":
		return gatewayTemplate, nil
	case "minimal":
		return minimalTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const gatewayTemplate = `node_id = "fixgate.local"
dir = "local/fixgate"
listen = "127.0.0.1:9880"
accept_backlog = 64
admin_addr = "127.0.0.1:9881"
cors_origins = ["http://localhost:3000"]
admin_request_timeout = "10s"
admin_token = ""
leader = true
debug_tags = []

[bus]
capacity = 1024
max_payload_length = 4096
archive_fragment_limit = 20

[framer]
reply_timeout = "10s"
no_logon_disconnect_timeout = "5s"
default_heartbeat_interval_s = 10
connect_timeout = "5s"
send_timeout = "1s"
outbound_library_fragment_limit = 10
replay_fragment_limit = 5
inbound_bytes_received_limit = 8192
receiver_buffer_size = 4096
sender_queue_depth = 1024
connection_id_seed = 0

[idle]
max_spins = 10
max_yields = 5
initial_delay = "1us"
multiplier = 2.0
max_delay = "1ms"

[tls]
security_mode = "development"
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
`

const minimalTemplate = `node_id = "fixgate.local"
listen = "127.0.0.1:9880"
admin_addr = ""
`
