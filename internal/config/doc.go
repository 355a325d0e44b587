// Package config handles configuration loading for outpost.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Anything the file leaves out keeps the value from Default.
//
// # Configuration File
//
// Location (in order):
//
//  1. Path from OUTPOST_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/outpost/outpost.yaml
//  3. ~/.config/outpost/outpost.yaml
//
// A path ending in .toml is decoded as TOML.
//
// # Environment Variable Expansion
//
//	session:
//	  seal_key: "${OUTPOST_SEAL_KEY}"
//
// # Configuration Sections
//
//	service:
//	  base_url: "https://api.example.com"   # required
//
//	database:
//	  path: "~/.local/share/outpost/outpost.db"
//	  driver: "modernc"          # modernc (pure Go) or mattn (cgo)
//	  max_value_bytes: 5242880   # 0 disables the quota
//
//	session:
//	  window: "168h"             # offline grace period
//	  token_file: ""             # bare token used to rebuild a lost session
//	  seal_key: ""               # base64, 32 bytes
//
//	leader:
//	  window: "10s"
//
//	probe:
//	  kind: "http"               # http or grpc
//	  grpc_target: ""
//	  timeout: "10s"
//
//	background:
//	  interval: "3m"
//	  version_interval: "5m"
//
//	fetch:
//	  ttl: "2m"
//	  debounce: "300ms"
//	  max_entries: 512
//
//	dashboard:
//	  enabled: true
//	  list_ttl: "5m"
//	  stats_ttl: "2m"
//	  feed_retry: "1s"           # first reconnect delay, doubles up to a minute
//	  feed_connect_timeout: "15s"
//
//	logging:
//	  level: "info"              # debug, info, warn, error
//	  format: "text"             # text, json
package config
