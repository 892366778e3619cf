package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/LemmyAI/gamenet/internal/protocol"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("config", "", "")
	fs.String("listen", "", "")
	fs.String("transport", "", "")
	fs.Bool("debug", false, "")
	fs.Float64("loss", 0, "")
	fs.Float64("dup", 0, "")
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != ":7777" || cfg.Transport != TransportUDP || cfg.TickRate != 30 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Driver.Conn.MaxPacket != protocol.MaxPacketSize {
		t.Errorf("expected max packet %d, got %d", protocol.MaxPacketSize, cfg.Driver.Conn.MaxPacket)
	}
	if cfg.Driver.MaxConnections != cfg.MaxPlayers {
		t.Errorf("expected max connections to follow max players")
	}
}

func TestEnvironment(t *testing.T) {
	t.Setenv("GAMENET_NET_LISTEN", ":9000")
	t.Setenv("GAMENET_NET_TIMEOUT", "5s")
	t.Setenv("GAMENET_NET_SIM_LOSS", "10")
	t.Setenv("GAMENET_TRANSPORT_KIND", "WS")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("expected :9000, got %q", cfg.Listen)
	}
	if cfg.Driver.Conn.ConnectionTimeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", cfg.Driver.Conn.ConnectionTimeout)
	}
	if cfg.Driver.Conn.Simulation.Loss != 10 {
		t.Errorf("expected 10%% loss, got %d", cfg.Driver.Conn.Simulation.Loss)
	}
	if cfg.Transport != TransportWebSocket {
		t.Errorf("expected ws transport, got %q", cfg.Transport)
	}
}

func TestFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gamenet.yaml")
	yaml := strings.Join([]string{
		"net:",
		"  listen: \":8000\"",
		"  keepalive: 500ms",
		"  allow_unreachable: true",
		"game:",
		"  tick_rate: 60",
		"telemetry:",
		"  packet_log: " + filepath.Join(dir, "logs", "packets.ndjson"),
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(newFlags(t, "--config", path, "--listen", ":8001", "--debug"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != ":8001" {
		t.Errorf("expected the flag to win, got %q", cfg.Listen)
	}
	if cfg.TickRate != 60 || cfg.Driver.Conn.KeepAliveTime != 500*time.Millisecond {
		t.Errorf("expected file values, got tick %d keepalive %v", cfg.TickRate, cfg.Driver.Conn.KeepAliveTime)
	}
	if !cfg.Driver.AllowPeerUnreachable || !cfg.Debug {
		t.Error("expected allow_unreachable and debug set")
	}
	if _, err := os.Stat(filepath.Join(dir, "logs")); err != nil {
		t.Errorf("expected telemetry dir created: %v", err)
	}
}

func TestSimulationRates(t *testing.T) {
	tests := []struct {
		name string
		args []string
		loss int
		dup  int
	}{
		{"fraction", []string{"--loss", "0.25", "--dup", "0.5"}, 25, 50},
		{"percent", []string{"--loss", "30", "--dup", "5"}, 30, 5},
		{"full", []string{"--loss", "1"}, 100, 0},
		{"unset", nil, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(newFlags(t, tt.args...))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			sim := cfg.Driver.Conn.Simulation
			if sim.Loss != tt.loss || sim.Dup != tt.dup {
				t.Errorf("expected loss %d dup %d, got loss %d dup %d", tt.loss, tt.dup, sim.Loss, sim.Dup)
			}
		})
	}
}

func TestUnsetFlagsKeepDefaults(t *testing.T) {
	cfg, err := Load(newFlags(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != ":7777" || cfg.Transport != TransportUDP {
		t.Errorf("unset flags must not override defaults: %+v", cfg)
	}
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(newFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	if err == nil {
		t.Error("expected an error for a missing explicit config file")
	}
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"transport", map[string]string{"GAMENET_TRANSPORT_KIND": "tcp"}, "transport.kind"},
		{"tick rate", map[string]string{"GAMENET_GAME_TICK_RATE": "0"}, "tick_rate"},
		{"max packet", map[string]string{"GAMENET_NET_MAX_PACKET": "9000"}, "max packet"},
		{"loss", map[string]string{"GAMENET_NET_SIM_LOSS": "150"}, "simulation"},
		{"keepalive", map[string]string{"GAMENET_NET_KEEPALIVE": "0s"}, "keepalive"},
		{"max players", map[string]string{"GAMENET_GAME_MAX_PLAYERS": "0"}, "max_players"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %v", tt.want, err)
			}
		})
	}
}
