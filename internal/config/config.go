// Package config loads server and client settings from an optional YAML
// file, GAMENET_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/LemmyAI/gamenet/internal/driver"
)

const (
	defaultConfigName = "config"
	envPrefix         = "GAMENET"
)

// Transport kinds.
const (
	TransportUDP       = "udp"
	TransportWebSocket = "ws"
)

type Config struct {
	Listen    string // server bind address
	Server    string // address a client connects to
	Transport string

	HTTPAddr string // status endpoint, empty disables it

	// PacketLogPath enables NDJSON packet capture when set.
	PacketLogPath string

	Debug bool

	TickRate   int
	MaxPlayers int

	Driver driver.Config
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"listen":     "net.listen",
	"server":     "net.server",
	"transport":  "transport.kind",
	"http":       "http.addr",
	"packet-log": "telemetry.packet_log",
	"debug":      "log.debug",
	"tick-rate":  "game.tick_rate",
	"loss":       "net.sim.loss",
	"dup":        "net.sim.dup",
}

// Load reads the configuration. flags may be nil; any flag in flagKeys that
// was set on the command line overrides file and environment values. A
// "config" flag names an explicit config file.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetConfigName(defaultConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("config")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	explicit := ""
	if flags != nil {
		if f := flags.Lookup("config"); f != nil {
			explicit = f.Value.String()
		}
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", explicit, err)
		}
	} else if err := v.ReadInConfig(); err != nil {
		// The config file is optional; env-only is fine.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	d := driver.DefaultConfig()

	v.SetDefault("net.listen", ":7777")
	v.SetDefault("net.server", "127.0.0.1:7777")
	v.SetDefault("net.max_packet", d.Conn.MaxPacket)
	v.SetDefault("net.packet_overhead", d.Conn.PacketOverhead)
	v.SetDefault("net.net_speed", d.Conn.NetSpeed)
	v.SetDefault("net.keepalive", d.Conn.KeepAliveTime)
	v.SetDefault("net.initial_timeout", d.Conn.InitialConnectTimeout)
	v.SetDefault("net.timeout", d.Conn.ConnectionTimeout)
	v.SetDefault("net.allow_unreachable", d.AllowPeerUnreachable)
	v.SetDefault("net.sim.loss", 0)
	v.SetDefault("net.sim.dup", 0)

	v.SetDefault("transport.kind", TransportUDP)

	v.SetDefault("game.tick_rate", 30)
	v.SetDefault("game.max_players", d.MaxConnections)

	v.SetDefault("http.addr", ":9090")
	v.SetDefault("telemetry.packet_log", "")
	v.SetDefault("log.debug", false)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Listen:        strings.TrimSpace(v.GetString("net.listen")),
		Server:        strings.TrimSpace(v.GetString("net.server")),
		Transport:     strings.ToLower(strings.TrimSpace(v.GetString("transport.kind"))),
		HTTPAddr:      strings.TrimSpace(v.GetString("http.addr")),
		PacketLogPath: strings.TrimSpace(v.GetString("telemetry.packet_log")),
		Debug:         v.GetBool("log.debug"),
		TickRate:      v.GetInt("game.tick_rate"),
		MaxPlayers:    v.GetInt("game.max_players"),
		Driver:        driver.DefaultConfig(),
	}

	c := &cfg.Driver.Conn
	c.MaxPacket = v.GetInt("net.max_packet")
	c.PacketOverhead = v.GetInt("net.packet_overhead")
	c.NetSpeed = v.GetInt("net.net_speed")
	c.KeepAliveTime = v.GetDuration("net.keepalive")
	c.InitialConnectTimeout = v.GetDuration("net.initial_timeout")
	c.ConnectionTimeout = v.GetDuration("net.timeout")
	c.Simulation.Loss = percent(v.GetFloat64("net.sim.loss"))
	c.Simulation.Dup = percent(v.GetFloat64("net.sim.dup"))
	cfg.Driver.AllowPeerUnreachable = v.GetBool("net.allow_unreachable")
	cfg.Driver.MaxConnections = cfg.MaxPlayers

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if cfg.PacketLogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.PacketLogPath), 0o755); err != nil {
			return Config{}, fmt.Errorf("create telemetry dir: %w", err)
		}
	}
	return cfg, nil
}

// percent reads a simulation rate given either as a fraction (0.25) or in
// percent (25). Values up to 1 count as fractions.
func percent(v float64) int {
	if v > 0 && v <= 1 {
		v *= 100
	}
	return int(math.Round(v))
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportUDP, TransportWebSocket:
	default:
		return fmt.Errorf("invalid transport.kind %q (want %s or %s)", c.Transport, TransportUDP, TransportWebSocket)
	}
	if c.Listen == "" {
		return fmt.Errorf("net.listen must not be empty")
	}
	if c.TickRate <= 0 || c.TickRate > 1000 {
		return fmt.Errorf("invalid game.tick_rate %d", c.TickRate)
	}
	if c.MaxPlayers <= 0 {
		return fmt.Errorf("invalid game.max_players %d", c.MaxPlayers)
	}
	if c.Driver.Conn.KeepAliveTime <= 0 {
		return fmt.Errorf("net.keepalive must be positive")
	}
	if err := c.Driver.Conn.Validate(); err != nil {
		return fmt.Errorf("net: %w", err)
	}
	return nil
}
