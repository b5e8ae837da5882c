// Package config provides configuration management for the StockPulse
// service.
//
// # Configuration Sources
//
// Configuration is layered, later sources overriding earlier ones:
//
//	1. Default values (Default)
//	2. A YAML file named by PULSE_CONFIG_FILE, if set
//	3. Environment variables (highest priority)
//
// # Environment Variables
//
// Variables are namespaced with PULSE and the section name:
//
//	PULSE_SERVER_PORT=8080
//	PULSE_STORE_DRIVER=postgres
//	PULSE_STORE_DSN=postgres://pulse@db/pulse?sslmode=disable
//	PULSE_PIPELINE_STAGES=validate:0.1,analyze:0.3,debate:0.4,risk:0.2
//	PULSE_LOGGING_LEVEL=debug
//
// Market-heat defaults (signal section) are YAML only.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
