// Package config handles configuration loading for minecloud.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML when the file name ends in
// .toml) with environment variable expansion, then defaults are applied and the
// result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. --config flag
//  2. Path from MINECLOUD_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/minecloud/config.yaml (~/.config/minecloud/config.yaml)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${MINECLOUD_JWT_SECRET}"
//	provider:
//	  bootstrap_env:
//	    DATABASE_URL: "${DATABASE_URL}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	lifecycle:
//	  boot_poll_interval: "5s"
//	  check_delay: "5s"
//	  max_check_attempts: 60
//	stream:
//	  timeout: "30s"
//	  keepalive_interval: "15s"
//
// # Event Bus
//
//	bus:
//	  backend: cache          # cache (polled) | notify (pushed)
//	  cache: sqlite           # memory | sqlite
//	  poll_interval: "3s"
//	  broker: postgres        # memory | postgres
//	  postgres_dsn: "${DATABASE_URL}"
//	  channel: sse
//
// The worst-case staleness of a lifecycle transition is roughly
// max_check_attempts * check_delay (five minutes with the defaults).
package config
