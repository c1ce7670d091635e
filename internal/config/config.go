// Package config manages rtprelayd daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and short getopt-style
// flags layered in that order, with flags winning last.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete rtprelayd configuration (spec §6.3).
type Config struct {
	Bind     BindConfig     `koanf:"bind"`
	Ports    PortConfig     `koanf:"ports"`
	TTL      TTLConfig      `koanf:"ttl"`
	Control  ControlConfig  `koanf:"control"`
	Process  ProcessConfig  `koanf:"process"`
	Log      LogConfig      `koanf:"log"`
	Overload OverloadConfig `koanf:"overload"`
	Record   RecordConfig   `koanf:"record"`
}

// BindConfig names the addresses the relay binds media sockets on.
// Two entries describe a bridging deployment (spec GLOSSARY: "Bridging
// mode"); a single-entry config relays on one interface only.
type BindConfig struct {
	Addrs []string `koanf:"addrs"`
}

// PortConfig is the port-pool range and allocation mode (spec §3/§4.4).
type PortConfig struct {
	Min        uint16 `koanf:"min"`
	Max        uint16 `koanf:"max"`
	Randomized bool   `koanf:"randomized"`
}

// TTLConfig carries the daemon-wide TTL defaults new sessions inherit
// unless a future protocol extension overrides them per-session.
type TTLConfig struct {
	MaxTTL   time.Duration `koanf:"max_ttl"`
	SetupTTL time.Duration `koanf:"setup_ttl"`
	Unified  bool          `koanf:"unified"`
}

// ControlConfig is the control-socket address (spec §6.1 syntax).
type ControlConfig struct {
	Listen []string `koanf:"listen"` // one or more "type:path[:opts]" endpoints
}

// ProcessConfig covers the daemon-process knobs spec §6.3 lists that
// are not part of the session data model: user/group, scheduling
// policy, niceness, pid file, and the `--dso`/`--bridge_symmetric`
// long options (SPEC_FULL §C.2/§C.3).
type ProcessConfig struct {
	User            string `koanf:"user"`
	Group           string `koanf:"group"`
	SchedPolicy     string `koanf:"sched_policy"` // "", "fifo", "rr"
	Nice            int    `koanf:"nice"`
	PidFile         string `koanf:"pid_file"`
	BridgeSymmetric bool   `koanf:"bridge_symmetric"`
	DSO             string `koanf:"dso"` // module path; single-instance only (Open Question a)
	RecordDir       string `koanf:"record_dir"`
}

// LogConfig holds the `level:facility` CLI argument split into fields.
type LogConfig struct {
	Level    string `koanf:"level"`
	Facility string `koanf:"facility"`
}

// OverloadConfig is the `--overload_prot[=low:high]` hysteresis pair
// (SPEC_FULL §C.1). High of 0 disables overload protection entirely.
type OverloadConfig struct {
	Low  int `koanf:"low"`
	High int `koanf:"high"`
}

// RecordConfig is the daemon-wide record_mode/notify_target default
// (spec §3) a new session inherits unless a "U" command overrides it
// with its optional trailing args (internal/relay's
// recordModeAndNotify).
type RecordConfig struct {
	Mode         string `koanf:"mode"` // "off" (default), "raw", or "pcap"
	NotifyTarget string `koanf:"notify_target"`
}

// DefaultConfig returns a Config populated with rtpproxy's conventional
// defaults: the classic 35000-65000 port range, a 1-hour max_ttl
// (spec §3's "typically minutes to hours"), and unified TTL mode.
func DefaultConfig() *Config {
	return &Config{
		Bind: BindConfig{Addrs: []string{"0.0.0.0"}},
		Ports: PortConfig{
			Min: 35000,
			Max: 65000,
		},
		TTL: TTLConfig{
			MaxTTL:   1 * time.Hour,
			SetupTTL: 1 * time.Minute,
			Unified:  true,
		},
		Control: ControlConfig{
			Listen: []string{"unix:/var/run/rtprelay.sock"},
		},
		Process: ProcessConfig{
			PidFile: "/var/run/rtprelayd.pid",
		},
		Log: LogConfig{
			Level:    "info",
			Facility: "daemon",
		},
		Record: RecordConfig{
			Mode: "off",
		},
	}
}

// envPrefix is the environment variable prefix for rtprelayd
// configuration. Variables are named RTPRELAY_<section>_<key>, e.g.
// RTPRELAY_PORTS_MIN.
const envPrefix = "RTPRELAY_"

// Load reads configuration from a YAML file at path (if non-empty),
// overlays RTPRELAY_-prefixed environment variables, and merges on top
// of DefaultConfig(). Missing fields inherit defaults. Flags are
// applied afterward by the caller via the Config struct's exported
// fields — koanf only owns the file+env layers here, matching the
// teacher's own file-then-env-then-flags precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms RTPRELAY_PORTS_MIN -> ports.min.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"bind.addrs":               d.Bind.Addrs,
		"ports.min":                d.Ports.Min,
		"ports.max":                d.Ports.Max,
		"ports.randomized":         d.Ports.Randomized,
		"ttl.max_ttl":              d.TTL.MaxTTL.String(),
		"ttl.setup_ttl":            d.TTL.SetupTTL.String(),
		"ttl.unified":              d.TTL.Unified,
		"control.listen":           d.Control.Listen,
		"process.pid_file":        d.Process.PidFile,
		"process.sched_policy":     d.Process.SchedPolicy,
		"process.nice":             d.Process.Nice,
		"process.bridge_symmetric": d.Process.BridgeSymmetric,
		"log.level":                d.Log.Level,
		"log.facility":             d.Log.Facility,
		"overload.low":             d.Overload.Low,
		"overload.high":            d.Overload.High,
		"record.mode":              d.Record.Mode,
		"record.notify_target":     d.Record.NotifyTarget,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors, per spec §3's static invariants on the port range
// and TTL fields.
var (
	ErrPortRange       = errors.New("ports.min/ports.max must be even, ports.min <= ports.max, and ports.max+1 <= 65535")
	ErrInvalidMaxTTL   = errors.New("ttl.max_ttl must be > 0")
	ErrInvalidSetupTTL = errors.New("ttl.setup_ttl must be > 0")
	ErrNoControlListen = errors.New("control.listen must name at least one endpoint")
	ErrInvalidSched    = errors.New(`process.sched_policy must be "", "fifo", or "rr"`)
	ErrInvalidRecord   = errors.New(`record.mode must be "off", "raw", or "pcap"`)
)

// Validate checks the configuration for the invariants spec §3
// requires statically. Returns the first error encountered.
func Validate(cfg *Config) error {
	if cfg.Ports.Min%2 != 0 || cfg.Ports.Max%2 != 0 || cfg.Ports.Min > cfg.Ports.Max || int(cfg.Ports.Max)+1 > 65535 {
		return ErrPortRange
	}
	if cfg.TTL.MaxTTL <= 0 {
		return ErrInvalidMaxTTL
	}
	if cfg.TTL.SetupTTL <= 0 {
		return ErrInvalidSetupTTL
	}
	if len(cfg.Control.Listen) == 0 {
		return ErrNoControlListen
	}
	switch cfg.Process.SchedPolicy {
	case "", "fifo", "rr":
	default:
		return ErrInvalidSched
	}
	switch strings.ToLower(cfg.Record.Mode) {
	case "", "off", "raw", "pcap":
	default:
		return ErrInvalidRecord
	}
	return nil
}

// ParseLogLevel maps the `level` half of the CLI's `level:facility`
// argument (spec §6.3) to the corresponding slog.Level. Unknown values
// default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevelFacility splits the CLI's `level:facility` argument (spec
// §6.3) into its two parts. A bare level with no colon yields an empty
// facility.
func ParseLevelFacility(arg string) (level, facility string) {
	if i := strings.IndexByte(arg, ':'); i >= 0 {
		return arg[:i], arg[i+1:]
	}
	return arg, ""
}
