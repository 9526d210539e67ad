// Package config loads the progresso application configuration.
//
// The configuration is a YAML document (progresso.yaml) decoded over Default()
// and validated with struct tags. It is looked up in the working directory and
// then in the user configuration directory; when neither exists the defaults
// apply. Command-line flags override the loaded values.
//
//	gate:
//	  threshold: 60        # percent
//	  timeout: 300s
//	  poll_interval: 1s
//	output:
//	  dir: .
//	  format: xml          # xml or json
//	control:
//	  backend: auto        # auto, systemd or sc
//	history:
//	  enabled: true
//	telemetry:
//	  logging:
//	    level: info
//
// Invalid files fail with engine.ErrConfigMalformed; the individual field
// problems are attached under the "errors" detail.
package config
