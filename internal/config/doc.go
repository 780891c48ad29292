// Package config handles configuration loading for conclave.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is
// YAML. Missing values get defaults and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CONCLAVE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/conclave/config.yaml
//  3. ~/.config/conclave/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	providers:
//	  - name: claude
//	    kind: anthropic
//	    api_key: "${ANTHROPIC_API_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
// A provider may instead name the variable with api_key_env, which is read
// when the provider is built.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	routing:
//	  call_timeout: "30s"
//	  routing_ceiling: "90s"
//	  backoff: ["200ms", "800ms"]
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "localhost:8080"   # task API
//	  grpc_addr: "localhost:50051"  # optional grpc.health.v1 service
//	  idempotency_ttl: "10m"
//
// Database (empty or ":memory:" keeps task history in memory):
//
//	database:
//	  path: "~/.local/share/conclave/conclave.db"
//
// Routing and pipeline limits:
//
//	routing:
//	  call_timeout: "30s"
//	  max_attempts: 3
//	  max_concurrent_tasks: 50
//	  digest_entry_chars: 600
//	  digest_max_chars: 2400
//
// Circuit breaker:
//
//	health:
//	  window_size: 20
//	  failure_threshold: 0.5
//	  min_samples: 5
//	  base_cooldown: "5s"
//	  max_cooldown: "5m"
//	  probe_interval: "30s"
//
// Providers (kind is one of anthropic, openai, gemini, static):
//
//	providers:
//	  - name: claude
//	    kind: anthropic
//	    api_key_env: ANTHROPIC_API_KEY
//	    capabilities: [planning, reasoning, review]
//	    rate_limit_rps: 2
//
// Agent overrides, keyed by role:
//
//	agents:
//	  coder:
//	    preferred_provider: claude
//	    model: claude-sonnet-4-20250514
//
// Event export:
//
//	events:
//	  nats_url: "nats://localhost:4222"
//	  subject_prefix: "conclave"
//	  embedded_nats: false
//
// Tailscale and logging:
//
//	tailscale:
//	  enabled: false
//	  hostname: "conclave"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/conclave/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
