// Package config loads and validates datamill configuration.
//
// # Overview
//
// Configuration is a single YAML file layered on top of built-in defaults,
// with environment variables taking precedence over both. The loader
// rejects unknown keys so typos surface at startup instead of silently
// using a default.
//
// # Structure
//
// A complete configuration covers every datamill concern:
//
//	workbooks:
//	  paths:
//	    - /data/east.xlsx
//	    - /data/west.xlsx
//	  max_retries: 5
//	  retry_delay: 2s
//	  settle_delay: 5s
//
//	portal:
//	  url: https://reports.example.com
//	  username: svc-datamill
//	  template: "Daily Production"
//	  download_dir: /var/lib/datamill/downloads
//	  headless: true
//
//	report:
//	  sheet: Data
//	  columns: [Date, Site, Output]
//	  date_columns: [Date]
//
//	publish:
//	  enabled: true
//	  host: files.example.com
//	  username: svc-datamill
//	  key_file: /etc/datamill/id_ed25519
//	  known_hosts_file: /etc/datamill/known_hosts
//	  remote_dir: /inbound/reports
//
//	store:
//	  path: /var/lib/datamill/history.db
//
//	telemetry:
//	  log_level: info
//	  log_format: json
//
// Durations are Go duration strings ("2s", "1m30s").
//
// # Environment Overrides
//
// Secrets belong in the environment, not the file:
//
//	DATAMILL_PORTAL_PASSWORD
//	DATAMILL_PUBLISH_PASSWORD
//
// plus DATAMILL_PORTAL_URL, DATAMILL_PORTAL_USERNAME, DATAMILL_STORE_PATH,
// and DATAMILL_LOG_LEVEL for deployment-specific values.
//
// # Usage Example
//
//	loader := config.NewLoader()
//	cfg, err := loader.Load("datamill.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	worker := engine.NewSyncWorker(launcher, cfg.WorkerConfig(), logger, metrics, sink)
//
// # Validation
//
// Struct tags validate field shapes (URLs, ranges, enums); Validate adds
// the cross-field rules tags cannot express, such as publish needing either
// a password or a key file when enabled.
package config
