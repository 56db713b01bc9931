package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	Scheduler SchedulerConfig `toml:"scheduler"`
	TLS       TLSConfig       `toml:"tls"`
	Server    ServerConfig    `toml:"server"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Demo      DemoConfig      `toml:"demo"`
	Logging   LoggingConfig   `toml:"logging"`
}

// SchedulerConfig contains thread table and timer settings
type SchedulerConfig struct {
	// Number of thread slots including the main thread (default: 128)
	Capacity int `toml:"capacity"`

	// Stack mapping size per thread in bytes (default: 32768)
	StackSize int `toml:"stack_size"`

	// Preemption quantum in microseconds (default: 50000)
	QuantumUS int `toml:"quantum_us"`

	// Recycle slots of joined threads (default: false)
	ReuseSlots bool `toml:"reuse_slots"`
}

// Quantum returns the preemption quantum as a duration.
func (s SchedulerConfig) Quantum() time.Duration {
	return time.Duration(s.QuantumUS) * time.Microsecond
}

// TLSConfig contains thread-local storage settings
type TLSConfig struct {
	// Destroy a thread's region when it exits (default: false)
	ReleaseOnExit bool `toml:"release_on_exit"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Serve metrics over HTTP (default: true)
	Enabled bool `toml:"enabled"`

	// Listen address (default: "localhost:9190")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`
}

// MonitorConfig contains scheduler monitor settings
type MonitorConfig struct {
	// Run without a window (default: true)
	Headless bool `toml:"headless"`

	// Framebuffer size (default: 320x320)
	Width  int `toml:"width"`
	Height int `toml:"height"`

	// Headless frame rate (default: 30)
	FrameHz int `toml:"frame_hz"`

	// Stop after this many frames, 0 runs until the workload finishes (default: 0)
	MaxFrames int `toml:"max_frames"`

	// Keep serving after the workload finished (default: false)
	Linger bool `toml:"linger"`
}

// DemoConfig selects the workload run on the scheduler
type DemoConfig struct {
	// One of "roundrobin", "tls", "fault", "all" (default: "all")
	Workload string `toml:"workload"`

	// Worker threads for the round-robin demo (default: 4)
	Workers int `toml:"workers"`

	// Iterations per worker (default: 5)
	Rounds int `toml:"rounds"`

	// Busy time per iteration in microseconds (default: 20000)
	BusyUS int `toml:"busy_us"`

	// Region size for the TLS demo in bytes (default: 1024)
	RegionSize int `toml:"region_size"`
}

// Busy returns the per-iteration busy time.
func (d DemoConfig) Busy() time.Duration {
	return time.Duration(d.BusyUS) * time.Microsecond
}

// Workloads lists the accepted demo.workload values.
var Workloads = []string{"roundrobin", "tls", "fault", "all"}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console" or "file"
	Type string `toml:"type"`

	Enabled bool `toml:"enabled"`

	Console *ConsoleConfig `toml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false: "auto", "logfmt", "glog" (default: "auto")
	Format string `toml:"format"`

	ColorOutput bool `toml:"color_output"`
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	MaxBackups   int    `toml:"max_backups"`
	TimeFormat   string `toml:"time_format"`
	LocalTime    bool   `toml:"local_time"`
	EnsureFolder bool   `toml:"ensure_folder"`
	Async        bool   `toml:"async"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Scheduler: SchedulerConfig{
			Capacity:   128,
			StackSize:  32 * 1024,
			QuantumUS:  50000,
			ReuseSlots: false,
		},
		TLS: TLSConfig{
			ReleaseOnExit: false,
		},
		Server: ServerConfig{
			Enabled:       true,
			ListenAddress: "localhost:9190",
			MetricsPath:   "/metrics",
		},
		Monitor: MonitorConfig{
			Headless: true,
			Width:    320,
			Height:   320,
			FrameHz:  30,
		},
		Demo: DemoConfig{
			Workload:   "all",
			Workers:    4,
			Rounds:     5,
			BusyUS:     20000,
			RegionSize: 1024,
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				TimeField:    "time",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/uthreads.log",
						MaxSize:      10,
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()
	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}
	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if _, err := file.WriteString("# uthreads configuration\n\n"); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	if c.Scheduler.Capacity < 2 || c.Scheduler.Capacity > 65535 {
		return fmt.Errorf("scheduler.capacity must be in [2, 65535], got %d", c.Scheduler.Capacity)
	}
	if c.Scheduler.StackSize <= 0 {
		return fmt.Errorf("scheduler.stack_size must be positive, got %d", c.Scheduler.StackSize)
	}
	if c.Scheduler.QuantumUS < 1000 {
		return fmt.Errorf("scheduler.quantum_us must be at least 1000, got %d", c.Scheduler.QuantumUS)
	}

	if c.Server.Enabled {
		if c.Server.ListenAddress == "" {
			return fmt.Errorf("server.listen_address cannot be empty")
		}
		if c.Server.MetricsPath == "" {
			return fmt.Errorf("server.metrics_path cannot be empty")
		}
	}

	if c.Monitor.Width <= 0 || c.Monitor.Height <= 0 {
		return fmt.Errorf("monitor size %dx%d is invalid", c.Monitor.Width, c.Monitor.Height)
	}
	if c.Monitor.FrameHz <= 0 {
		return fmt.Errorf("monitor.frame_hz must be positive, got %d", c.Monitor.FrameHz)
	}
	if c.Monitor.MaxFrames < 0 {
		return fmt.Errorf("monitor.max_frames cannot be negative")
	}

	if !slices.Contains(Workloads, c.Demo.Workload) {
		return fmt.Errorf("demo.workload %q is not one of %v", c.Demo.Workload, Workloads)
	}
	if c.Demo.Workers < 1 || c.Demo.Workers >= c.Scheduler.Capacity {
		return fmt.Errorf("demo.workers must be in [1, %d), got %d", c.Scheduler.Capacity, c.Demo.Workers)
	}
	if c.Demo.Rounds < 1 {
		return fmt.Errorf("demo.rounds must be positive, got %d", c.Demo.Rounds)
	}
	if c.Demo.BusyUS < 0 {
		return fmt.Errorf("demo.busy_us cannot be negative")
	}
	if c.Demo.RegionSize < 16 {
		return fmt.Errorf("demo.region_size must be at least 16, got %d", c.Demo.RegionSize)
	}

	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}
	return nil
}

// Flags holds the command-line flags
type Flags struct {
	ConfigPath     string
	GenerateConfig string
	ListenAddress  string
	MetricsPath    string
	Headless       bool
	Workload       string
	LogLevel       string
	Version        bool
}

// NewConfig parses args and loads the config file they point to. Flags
// explicitly set on the command line override file values. A nil config
// with a nil error means the program should exit cleanly.
func NewConfig(args []string) (*AppConfig, *Flags, error) {
	flags := &Flags{}
	fset := flag.NewFlagSet("uthreads", flag.ContinueOnError)

	fset.StringVar(&flags.ConfigPath, "config", "", "Path to configuration file (optional).")
	fset.StringVar(&flags.GenerateConfig, "generate-config", "", "Write the default config to the given path and exit.")
	fset.StringVar(&flags.ListenAddress, "web.listen-address", "localhost:9190", "Address to listen on for telemetry.")
	fset.StringVar(&flags.MetricsPath, "web.telemetry-path", "/metrics", "Path under which to expose metrics.")
	fset.BoolVar(&flags.Headless, "headless", true, "Run without a window.")
	fset.StringVar(&flags.Workload, "workload", "all", "Demo workload: roundrobin, tls, fault or all.")
	fset.StringVar(&flags.LogLevel, "log.level", "info", "Log level.")
	fset.BoolVar(&flags.Version, "version", false, "Print version and exit.")
	if err := fset.Parse(args); err != nil {
		return nil, nil, err
	}

	if flags.Version {
		return nil, flags, nil
	}
	if flags.GenerateConfig != "" {
		if err := SaveConfig(flags.GenerateConfig, DefaultConfig()); err != nil {
			return nil, nil, fmt.Errorf("error generating config: %w", err)
		}
		return nil, flags, nil
	}

	config, err := LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, nil, err
	}

	if isFlagPassed(fset, "web.listen-address") {
		config.Server.ListenAddress = flags.ListenAddress
	}
	if isFlagPassed(fset, "web.telemetry-path") {
		config.Server.MetricsPath = flags.MetricsPath
	}
	if isFlagPassed(fset, "headless") {
		config.Monitor.Headless = flags.Headless
	}
	if isFlagPassed(fset, "workload") {
		config.Demo.Workload = flags.Workload
	}
	if isFlagPassed(fset, "log.level") {
		config.Logging.Defaults.Level = flags.LogLevel
	}

	if err := config.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, flags, nil
}

// isFlagPassed checks if a flag was explicitly set on the command line.
func isFlagPassed(fset *flag.FlagSet, name string) bool {
	found := false
	fset.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
