package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/mpathd/pkg/types"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by the daemon
const EnvPrefix = "mpathd"

// Daemon holds the settings of a running mpathd process
type Daemon struct {
	Params Params

	LogLevel  string
	LogJSON   bool
	AdminAddr string
	DataDir   string
	Topology  string

	DrainWorkers     int
	QueueSignalDepth int
	DrainSweep       time.Duration
	FailbackInterval time.Duration

	NotifyRate     float64
	NotifyBurst    int
	SpinupRetries  int
	SpinupBackoff  time.Duration
	CommandTimeout time.Duration

	ProbeInterval time.Duration
	ProbeRetries  int

	MetricsInterval time.Duration
}

// DefaultDaemon returns the daemon defaults
func DefaultDaemon() Daemon {
	return Daemon{
		Params:           DefaultParams(),
		LogLevel:         "info",
		AdminAddr:        "127.0.0.1:8470",
		DataDir:          "/var/lib/mpathd",
		DrainWorkers:     2,
		QueueSignalDepth: 64,
		DrainSweep:       time.Second,
		FailbackInterval: 30 * time.Second,
		NotifyRate:       10,
		NotifyBurst:      5,
		SpinupRetries:    10,
		SpinupBackoff:    time.Second,
		CommandTimeout:   30 * time.Second,
		ProbeInterval:    5 * time.Second,
		ProbeRetries:     3,
		MetricsInterval:  15 * time.Second,
	}
}

// InitEnv loads .env files and binds MPATHD_* environment variables
func InitEnv(v *viper.Viper) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// SetDefaults registers the daemon defaults under their flag names
func SetDefaults(v *viper.Viper) {
	d := DefaultDaemon()
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("log-json", d.LogJSON)
	v.SetDefault("admin-addr", d.AdminAddr)
	v.SetDefault("data-dir", d.DataDir)
	v.SetDefault("topology", d.Topology)
	v.SetDefault("drain-workers", d.DrainWorkers)
	v.SetDefault("queue-signal-depth", d.QueueSignalDepth)
	v.SetDefault("drain-sweep", d.DrainSweep)
	v.SetDefault("failback-interval", d.FailbackInterval)
	v.SetDefault("notify-rate", d.NotifyRate)
	v.SetDefault("notify-burst", d.NotifyBurst)
	v.SetDefault("spinup-retries", d.SpinupRetries)
	v.SetDefault("spinup-backoff", d.SpinupBackoff)
	v.SetDefault("command-timeout", d.CommandTimeout)
	v.SetDefault("probe-interval", d.ProbeInterval)
	v.SetDefault("probe-retries", d.ProbeRetries)
	v.SetDefault("metrics-interval", d.MetricsInterval)
	v.SetDefault("max-paths-per-device", d.Params.MaxPathsPerDevice)
	v.SetDefault("max-retries-per-path", d.Params.MaxRetriesPerPath)
	v.SetDefault("max-retries-per-io", 0)
	v.SetDefault("notify-type", string(d.Params.NotifyType))
	v.SetDefault("notify-cdb", "")
}

// Load reads the daemon configuration from v, including an optional config
// file named by the "config" key
func Load(v *viper.Viper) (Daemon, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Daemon{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	notifyType, err := types.ParseNotifyType(v.GetString("notify-type"))
	if err != nil {
		return Daemon{}, err
	}
	var cdb types.HexBytes
	if raw := v.GetString("notify-cdb"); raw != "" {
		if err := cdb.UnmarshalText([]byte(raw)); err != nil {
			return Daemon{}, fmt.Errorf("invalid notify-cdb: %w", err)
		}
	}

	params := Params{
		MaxPathsPerDevice: v.GetInt("max-paths-per-device"),
		MaxRetriesPerPath: v.GetInt("max-retries-per-path"),
		MaxRetriesPerIo:   v.GetInt("max-retries-per-io"),
		NotifyType:        notifyType,
		NotifyCdb:         cdb,
	}.Normalize()
	if err := params.Validate(); err != nil {
		return Daemon{}, err
	}

	d := Daemon{
		Params:           params,
		LogLevel:         v.GetString("log-level"),
		LogJSON:          v.GetBool("log-json"),
		AdminAddr:        v.GetString("admin-addr"),
		DataDir:          v.GetString("data-dir"),
		Topology:         v.GetString("topology"),
		DrainWorkers:     v.GetInt("drain-workers"),
		QueueSignalDepth: v.GetInt("queue-signal-depth"),
		DrainSweep:       v.GetDuration("drain-sweep"),
		FailbackInterval: v.GetDuration("failback-interval"),
		NotifyRate:       v.GetFloat64("notify-rate"),
		NotifyBurst:      v.GetInt("notify-burst"),
		SpinupRetries:    v.GetInt("spinup-retries"),
		SpinupBackoff:    v.GetDuration("spinup-backoff"),
		CommandTimeout:   v.GetDuration("command-timeout"),
		ProbeInterval:    v.GetDuration("probe-interval"),
		ProbeRetries:     v.GetInt("probe-retries"),
		MetricsInterval:  v.GetDuration("metrics-interval"),
	}
	if d.DrainWorkers < 1 {
		return Daemon{}, fmt.Errorf("%w: drain-workers must be at least 1", types.ErrInvalidParam)
	}
	if d.QueueSignalDepth < 1 {
		return Daemon{}, fmt.Errorf("%w: queue-signal-depth must be at least 1", types.ErrInvalidParam)
	}
	return d, nil
}
