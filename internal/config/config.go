// Package config loads hrmonitor settings from flags, environment and an
// optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	AdapterTinyGo = "tinygo"
	AdapterSim    = "sim"

	envPrefix = "HRMONITOR"
)

type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Verbose    bool
}

type SimDevice struct {
	Name    string
	Address string
}

type SimConfig struct {
	HTTPPort int
	Devices  []SimDevice
	Interval time.Duration
}

type Config struct {
	Adapter          string
	Log              LogConfig
	OperationTimeout time.Duration
	// Preferred is the address of a monitor to connect to as soon as it is
	// discovered; empty waits for the user.
	Preferred string
	// FeedListen is the WebSocket feed address; empty disables the feed.
	FeedListen string
	Sim        SimConfig
}

func defaultLogFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "hrmonitor.log"
	}
	return filepath.Join(home, ".hrmonitor", "hrmonitor.log")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("adapter", AdapterTinyGo)
	v.SetDefault("log.file", defaultLogFile())
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.verbose", false)
	v.SetDefault("session.operation_timeout", 15*time.Second)
	v.SetDefault("session.preferred", "")
	v.SetDefault("feed.listen", "")
	v.SetDefault("sim.http_port", 9901)
	v.SetDefault("sim.devices", []string{"Sim HR Strap@00:11:22:33:44:01", "Sim HR Watch@00:11:22:33:44:02"})
	v.SetDefault("sim.interval", time.Second)
}

// NewFlagSet declares the command line flags. Each maps onto the config key
// of the same name.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "config file (default ~/.hrmonitor/config.yaml)")
	fs.String("adapter", AdapterTinyGo, "radio adapter: tinygo or sim")
	fs.String("log.file", defaultLogFile(), "log file path")
	fs.Bool("log.verbose", false, "log every radio event of every session")
	fs.Duration("session.operation_timeout", 15*time.Second, "timeout per connect/discovery phase, 0 disables")
	fs.String("session.preferred", "", "address of a monitor to connect to as soon as it is discovered")
	fs.String("feed.listen", "", "address for the WebSocket event feed, e.g. :8080")
	fs.Int("sim.http_port", 9901, "port of the simulated adapter's control API")
	fs.StringSlice("sim.devices", nil, "simulated monitors as name@address")
	fs.Duration("sim.interval", time.Second, "simulated advertisement and notification interval")
	return fs
}

// Load parses args with fs and resolves the configuration.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Only flags the user actually set override file and env values.
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		if f.Changed {
			bindErr = v.BindPFlag(f.Name, f)
		}
	})
	if bindErr != nil {
		return nil, fmt.Errorf("bind flags: %w", bindErr)
	}

	if err := readConfigFile(v, fs); err != nil {
		return nil, err
	}

	cfg := &Config{
		Adapter: strings.ToLower(v.GetString("adapter")),
		Log: LogConfig{
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			Verbose:    v.GetBool("log.verbose"),
		},
		OperationTimeout: v.GetDuration("session.operation_timeout"),
		Preferred:        v.GetString("session.preferred"),
		FeedListen:       v.GetString("feed.listen"),
		Sim: SimConfig{
			HTTPPort: v.GetInt("sim.http_port"),
			Interval: v.GetDuration("sim.interval"),
		},
	}

	devices, err := ParseSimDevices(v.GetStringSlice("sim.devices"))
	if err != nil {
		return nil, err
	}
	cfg.Sim.Devices = devices

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) error {
	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".hrmonitor"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Adapter {
	case AdapterTinyGo, AdapterSim:
	default:
		return fmt.Errorf("unknown adapter %q, expected %s or %s", c.Adapter, AdapterTinyGo, AdapterSim)
	}
	if c.OperationTimeout < 0 {
		return fmt.Errorf("session.operation_timeout must not be negative: %v", c.OperationTimeout)
	}
	if c.Adapter == AdapterSim && len(c.Sim.Devices) == 0 {
		return errors.New("sim adapter needs at least one device")
	}
	return nil
}

// ParseSimDevices parses "name@address" entries.
func ParseSimDevices(entries []string) ([]SimDevice, error) {
	devices := make([]SimDevice, 0, len(entries))
	for _, entry := range entries {
		at := strings.LastIndex(entry, "@")
		if at <= 0 || at == len(entry)-1 {
			return nil, fmt.Errorf("invalid sim device %q, expected name@address", entry)
		}
		devices = append(devices, SimDevice{
			Name:    strings.TrimSpace(entry[:at]),
			Address: strings.TrimSpace(entry[at+1:]),
		})
	}
	return devices, nil
}
