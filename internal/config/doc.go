// Package config loads runtime configuration for the collect CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected with -c/--config.
//  3. Environment variables prefixed COLLECT_ (COLLECT_SERVER_URL,
//     COLLECT_LOG_LEVEL, ...), read through viper.
//  4. Command-line flags registered by RegisterFlags; only flags the user
//     actually set override earlier values.
//
// # JSON schema
//
// Durations accept strings like "30s" or integer nanoseconds:
//
//	{
//	  "data_dir": "/var/lib/collect",
//	  "project_id": "demo",
//	  "server_url": "https://central.example.org/v1/key/abc/projects/1",
//	  "username": "enumerator",
//	  "protocol": "odk_default",
//	  "auto_send": true,
//	  "auto_send_interval": "5m",
//	  "log": {"level": "debug", "format": "zap"}
//	}
package config
