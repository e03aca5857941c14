package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/datamill/datamill/pkg/engine"
	"github.com/datamill/datamill/pkg/telemetry"
)

// Duration wraps time.Duration so YAML values can be written as Go duration
// strings ("2s", "500ms", "1m30s").
type Duration time.Duration

// UnmarshalYAML decodes a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete datamill configuration.
type Config struct {
	// Workbooks configures the resource sync worker.
	Workbooks WorkbooksConfig `yaml:"workbooks"`

	// Portal configures the reporting portal session.
	Portal PortalConfig `yaml:"portal"`

	// Report configures how downloaded reports are read.
	Report ReportConfig `yaml:"report"`

	// Publish configures SFTP delivery of synced workbooks.
	Publish PublishConfig `yaml:"publish"`

	// Store configures the run history database.
	Store StoreConfig `yaml:"store"`

	// Watch configures filesystem-triggered syncs.
	Watch WatchConfig `yaml:"watch"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// WorkbooksConfig configures the workbook sync worker.
type WorkbooksConfig struct {
	// Paths is the ordered list of workbook files to sync.
	Paths []string `yaml:"paths" validate:"omitempty,dive,required"`

	// MaxRetries is the attempt budget per workbook.
	MaxRetries int `yaml:"max_retries" validate:"omitempty,min=1,max=100"`

	// RetryDelay is the wait between failed attempts on one workbook.
	RetryDelay Duration `yaml:"retry_delay"`

	// SettleDelay is the wait between refresh and save so external data
	// connections can complete.
	SettleDelay Duration `yaml:"settle_delay"`
}

// PortalConfig configures the reporting portal session.
type PortalConfig struct {
	// URL is the portal base URL.
	URL string `yaml:"url" validate:"omitempty,url"`

	// Username is the portal login name.
	Username string `yaml:"username"`

	// Password is the portal password. Prefer the DATAMILL_PORTAL_PASSWORD
	// environment variable over the config file.
	Password string `yaml:"password"`

	// Template is the report template name to select after login.
	Template string `yaml:"template"`

	// DownloadDir is where exported reports land.
	DownloadDir string `yaml:"download_dir"`

	// WebDriverURL is the remote webdriver endpoint. Empty means the
	// default local WebDriver address.
	WebDriverURL string `yaml:"webdriver_url" validate:"omitempty,url"`

	// Browser selects the webdriver browser.
	Browser string `yaml:"browser" validate:"omitempty,oneof=chrome firefox"`

	// Headless runs the browser without a display.
	Headless bool `yaml:"headless"`

	// BridgeSize bounds concurrent webdriver calls.
	BridgeSize int `yaml:"bridge_size" validate:"omitempty,min=1,max=64"`

	// MaxAttempts is the retry budget for each portal operation.
	MaxAttempts int `yaml:"max_attempts" validate:"omitempty,min=1,max=50"`

	// RetryDelay is the fixed wait between portal operation attempts.
	RetryDelay Duration `yaml:"retry_delay"`

	// LocateTimeout bounds how long the session polls for a page element.
	LocateTimeout Duration `yaml:"locate_timeout"`

	// PageTimeout bounds browser page loads.
	PageTimeout Duration `yaml:"page_timeout"`
}

// ReportConfig configures how downloaded reports are read.
type ReportConfig struct {
	// Sheet is the worksheet holding the report data. Empty means the
	// first sheet.
	Sheet string `yaml:"sheet"`

	// Columns restricts the read to these header names, in this order.
	// Empty keeps every column.
	Columns []string `yaml:"columns" validate:"omitempty,dive,required"`

	// DateColumns lists headers parsed as dates.
	DateColumns []string `yaml:"date_columns" validate:"omitempty,dive,required"`

	// Output is where the extracted report rows are written as CSV.
	// Empty writes to stdout.
	Output string `yaml:"output"`
}

// PublishConfig configures SFTP delivery of synced workbooks.
type PublishConfig struct {
	// Enabled turns publishing on.
	Enabled bool `yaml:"enabled"`

	// Host is the SFTP server.
	Host string `yaml:"host" validate:"required_if=Enabled true"`

	// Port is the SSH port.
	Port int `yaml:"port" validate:"omitempty,min=1,max=65535"`

	// Username is the SSH user.
	Username string `yaml:"username" validate:"required_if=Enabled true"`

	// Password authenticates when KeyFile is not set. Prefer the
	// DATAMILL_PUBLISH_PASSWORD environment variable.
	Password string `yaml:"password"`

	// KeyFile is the path to an SSH private key.
	KeyFile string `yaml:"key_file"`

	// KnownHostsFile verifies the server host key.
	KnownHostsFile string `yaml:"known_hosts_file"`

	// InsecureIgnoreHostKey skips host key verification. Test setups only.
	InsecureIgnoreHostKey bool `yaml:"insecure_ignore_host_key"`

	// RemoteDir is the destination directory on the server.
	RemoteDir string `yaml:"remote_dir"`

	// Timeout bounds the SSH dial.
	Timeout Duration `yaml:"timeout"`
}

// StoreConfig configures the run history database.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// WatchConfig configures filesystem-triggered syncs.
type WatchConfig struct {
	// Debounce is how long to wait after the last change before starting
	// a sync.
	Debounce Duration `yaml:"debounce"`

	// Paths lists directories to watch. Empty falls back to the
	// directories of the configured workbooks.
	Paths []string `yaml:"paths" validate:"omitempty,dive,required"`
}

// TelemetryConfig is the YAML-facing slice of the telemetry configuration.
type TelemetryConfig struct {
	// LogLevel sets the minimum log level.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// LogFormat selects console or json output.
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`

	// LogOutput is stdout, stderr, or a file path.
	LogOutput string `yaml:"log_output"`

	// TracingEnabled turns span export on.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// TracingEndpoint is the OTLP collector address.
	TracingEndpoint string `yaml:"tracing_endpoint"`

	// MetricsEnabled turns metrics collection on.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// MetricsListen is the scrape endpoint address for watch mode.
	MetricsListen string `yaml:"metrics_listen"`

	// PushGateway is the Prometheus push gateway URL for batch runs.
	PushGateway string `yaml:"push_gateway"`
}

// DefaultConfig returns the built-in defaults. Loaded files override these
// per field.
func DefaultConfig() *Config {
	return &Config{
		Workbooks: WorkbooksConfig{
			MaxRetries:  engine.DefaultMaxRetries,
			RetryDelay:  Duration(engine.DefaultWorkerRetryDelay),
			SettleDelay: Duration(engine.DefaultSettleDelay),
		},
		Portal: PortalConfig{
			Browser:       "chrome",
			Headless:      true,
			BridgeSize:    engine.DefaultBridgeSize,
			MaxAttempts:   engine.DefaultMaxAttempts,
			RetryDelay:    Duration(engine.DefaultRetryDelay),
			LocateTimeout: Duration(10 * time.Second),
			PageTimeout:   Duration(30 * time.Second),
			DownloadDir:   filepath.Join(os.TempDir(), "datamill"),
		},
		Publish: PublishConfig{
			Port:    22,
			Timeout: Duration(30 * time.Second),
		},
		Store: StoreConfig{
			Path: defaultStorePath(),
		},
		Watch: WatchConfig{
			Debounce: Duration(2 * time.Second),
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "console",
			LogOutput: "stderr",
		},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "datamill.db"
	}
	return filepath.Join(home, ".datamill", "history.db")
}

// WorkerConfig converts the workbook section into the sync worker's
// configuration.
func (c *Config) WorkerConfig() engine.WorkerConfig {
	return engine.WorkerConfig{
		Resources:   c.Workbooks.Paths,
		MaxRetries:  c.Workbooks.MaxRetries,
		RetryDelay:  c.Workbooks.RetryDelay.Std(),
		SettleDelay: c.Workbooks.SettleDelay.Std(),
	}
}

// RetryPolicy converts the portal section into the retry policy applied to
// every portal operation.
func (c *PortalConfig) RetryPolicy() engine.Policy {
	return engine.Policy{
		MaxAttempts: c.MaxAttempts,
		Delay:       c.RetryDelay.Std(),
		RetryIf:     engine.IsRetryable,
	}
}

// WatchPaths returns the directories to watch, falling back to the parent
// directories of the configured workbooks.
func (c *Config) WatchPaths() []string {
	if len(c.Watch.Paths) > 0 {
		return c.Watch.Paths
	}
	seen := map[string]bool{}
	var dirs []string
	for _, p := range c.Workbooks.Paths {
		dir := filepath.Dir(p)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// Build converts the YAML telemetry section into the runtime telemetry
// configuration, starting from the telemetry defaults.
func (c *TelemetryConfig) Build(serviceVersion string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if serviceVersion != "" {
		tc.ServiceVersion = serviceVersion
	}
	if c.LogLevel != "" {
		tc.Logging.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		tc.Logging.Format = c.LogFormat
	}
	if c.LogOutput != "" {
		tc.Logging.Output = c.LogOutput
	}
	tc.Tracing.Enabled = c.TracingEnabled
	if c.TracingEndpoint != "" {
		tc.Tracing.Exporter = "otlp"
		tc.Tracing.Endpoint = c.TracingEndpoint
	}
	tc.Metrics.Enabled = c.MetricsEnabled
	tc.Metrics.ListenAddress = c.MetricsListen
	tc.Metrics.PushGateway = c.PushGateway
	return tc
}
