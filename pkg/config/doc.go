/*
Package config loads and validates Paddock's server configuration.

Resolution order: compiled defaults, then the YAML file passed to --config,
then PADDOCK_* environment variables. The merged result is validated
struct-tag-first (go-playground/validator) with a couple of cross-field rules
on top (exactly one vault key source).

# File layout

	data_dir: /var/lib/paddock
	log:
	  level: info
	  json: true
	server:
	  listen: 0.0.0.0:8420
	  auth_token: "..."            # >= 16 chars, required
	  rate_limit: 100              # requests per window per client IP
	  rate_window_seconds: 60
	database:
	  dsn: postgres://paddock:...@db/paddock
	redis:
	  addr: 127.0.0.1:6379
	vault:
	  passphrase: "..."            # or key_file: /etc/paddock/master.key
	executor:
	  dial_timeout_seconds: 10
	  command_timeout_seconds: 60
	  max_sessions: 8
	monitor:
	  interval_seconds: 30         # floor 5
	  probe_timeout_seconds: 20
	  stats_interval_seconds: 10
	alerting:
	  eval_interval_seconds: 60
	notifiers:
	  email: {smtp_host: ..., smtp_port: 587, from: ...}
	  slack: {webhook_url: ...}
	  webhook: {timeout_seconds: 10}
	plugins:
	  <name>: {...}                # validated by each plugin's ConfigSpec

Environment overrides cover the operationally interesting knobs:
PADDOCK_LISTEN, PADDOCK_AUTH_TOKEN, PADDOCK_DB_DSN, PADDOCK_REDIS_ADDR,
PADDOCK_REDIS_PASSWORD, PADDOCK_VAULT_PASSPHRASE, PADDOCK_LOG_LEVEL,
PADDOCK_DATA_DIR, PADDOCK_MONITOR_INTERVAL, PADDOCK_SLACK_WEBHOOK_URL.

Intervals are plain integer seconds in YAML; call sites get time.Duration
through the helper methods.
*/
package config
