package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LemmyAI/gamenet/internal/config"
	"github.com/LemmyAI/gamenet/internal/game"
	"github.com/LemmyAI/gamenet/internal/transport"
	"github.com/LemmyAI/gamenet/internal/util"
)

var directions = map[string][2]float32{
	"up": {0, -1}, "w": {0, -1},
	"down": {0, 1}, "s": {0, 1},
	"left": {-1, 0}, "a": {-1, 0},
	"right": {1, 0}, "d": {1, 0},
	"stop": {0, 0},
}

type options struct {
	name  string
	fetch string
}

func main() {
	var opts options

	cmd := &cobra.Command{
		Use:           "client",
		Short:         "Connect to a game server and move around",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg, opts)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "config file (default ./config.yaml)")
	flags.String("server", "", "server address (host:port, or ws:// URL)")
	flags.String("transport", "", "transport: udp or ws")
	flags.Bool("debug", false, "enable debug logging")
	flags.Float64("loss", 0, "simulated outgoing packet loss, as a fraction or percent")
	flags.Float64("dup", 0, "simulated outgoing packet duplication, as a fraction or percent")
	flags.StringVar(&opts.name, "name", "player", "player name")
	flags.StringVar(&opts.fetch, "fetch", "", "download this file from the server after joining")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, opts options) error {
	if cfg.Debug {
		util.EnableDebug()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	socket, addr, err := dial(cfg)
	if err != nil {
		return err
	}

	client, err := game.NewClient(socket, cfg.Driver, opts.name)
	if err != nil {
		socket.Close()
		return err
	}
	defer client.Destroy()

	if err := client.Connect(addr); err != nil {
		return err
	}
	util.LogInfo("📡 Connecting to %s as %s", addr, opts.name)

	fmt.Println("Commands: up/down/left/right (or w/a/s/d), stop, quit")
	commands := make(chan string)
	go readCommands(commands)

	ticker := time.NewTicker(time.Second / time.Duration(cfg.TickRate))
	defer ticker.Stop()

	var (
		joined   bool
		fetching = opts.fetch != ""
		updates  int
	)

	for {
		select {
		case <-ctx.Done():
			client.Leave()
			client.Tick()
			return nil

		case line, ok := <-commands:
			if !ok || line == "quit" || line == "q" {
				util.LogInfo("👋 Leaving")
				client.Leave()
				client.Tick()
				return nil
			}
			dir, known := directions[line]
			if !known {
				fmt.Println("Unknown command:", line)
				continue
			}
			if err := client.SendInput(dir[0], dir[1]); err != nil {
				util.LogWarning("input: %v", err)
			}

		case <-ticker.C:
			client.Tick()

			if client.Closed() {
				if err := client.Err(); err != nil {
					return fmt.Errorf("disconnected: %w", err)
				}
				util.LogInfo("Disconnected")
				return nil
			}

			if !joined && client.Joined() {
				joined = true
				util.LogInfo("✅ Joined as %s (server at %d Hz)", client.PlayerID(), client.TickRate())
			}

			if joined && fetching {
				fetching = false
				if err := fetch(client, opts.fetch); err != nil {
					util.LogWarning("fetch %s: %v", opts.fetch, err)
				}
			}

			if n := client.Mirror().Updates(); n >= updates+20 {
				updates = n
				if p, ok := client.Mirror().Player(client.PlayerID()); ok {
					util.LogInfo("📍 (%.1f, %.1f) with %d players", p.Position.X, p.Position.Y, len(client.Mirror().Players()))
				}
			}
		}
	}
}

// dial opens the client socket and returns the address to connect to.
func dial(cfg config.Config) (transport.Socket, string, error) {
	tcfg := transport.DefaultConfig()
	tcfg.MaxMessageSize = cfg.Driver.Conn.MaxPacket

	if cfg.Transport != config.TransportWebSocket {
		s, err := transport.DialUDP(cfg.Server, tcfg)
		return s, cfg.Server, err
	}

	url := cfg.Server
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + url + "/"
	}
	s, err := transport.DialWS(url, tcfg)
	return s, url, err
}

// fetch downloads name over a file channel into the working directory.
func fetch(client *game.Client, name string) error {
	dst := filepath.Base(name)
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	err = client.RequestFile(name, f, func(err error) {
		f.Close()
		if err != nil {
			util.LogWarning("📦 %s: %v", name, err)
			os.Remove(dst)
			return
		}
		util.LogInfo("📦 Saved %s", dst)
	})
	if err != nil {
		f.Close()
		os.Remove(dst)
	}
	return err
}

func readCommands(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line != "" {
			out <- line
		}
	}
}
