package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/LemmyAI/gamenet/internal/config"
	"github.com/LemmyAI/gamenet/internal/conn"
	"github.com/LemmyAI/gamenet/internal/driver"
	"github.com/LemmyAI/gamenet/internal/game"
	"github.com/LemmyAI/gamenet/internal/metrics"
	"github.com/LemmyAI/gamenet/internal/packetlog"
	"github.com/LemmyAI/gamenet/internal/status"
	"github.com/LemmyAI/gamenet/internal/transport"
	"github.com/LemmyAI/gamenet/internal/util"
)

func main() {
	var assets string

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Run the game server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg, assets)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "config file (default ./config.yaml)")
	flags.String("listen", "", "address to listen on")
	flags.String("transport", "", "transport: udp or ws")
	flags.String("http", "", "status and metrics address, empty disables")
	flags.String("packet-log", "", "write an NDJSON packet capture to this file")
	flags.Bool("debug", false, "enable debug logging")
	flags.Int("tick-rate", 0, "server tick rate in Hz")
	flags.Float64("loss", 0, "simulated outgoing packet loss, as a fraction or percent")
	flags.Float64("dup", 0, "simulated outgoing packet duplication, as a fraction or percent")
	flags.StringVar(&assets, "assets", "", "serve files from this directory over file channels")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, assets string) error {
	if cfg.Debug {
		util.EnableDebug()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gcfg := game.DefaultConfig()
	gcfg.TickRate = cfg.TickRate
	gcfg.MaxPlayers = cfg.MaxPlayers

	socket, err := listen(ctx, cfg)
	if err != nil {
		return err
	}

	stats := &conn.Stats{}
	opts := []game.Option{game.WithDriverOptions(driver.WithStats(stats))}

	if cfg.PacketLogPath != "" {
		plog, err := packetlog.New(cfg.PacketLogPath, uuid.NewString())
		if err != nil {
			return err
		}
		defer plog.Close()
		opts = append(opts, game.WithDriverOptions(driver.WithPacketLog(plog)))
		util.LogInfo("📝 Packet log: %s", cfg.PacketLogPath)
	}

	if assets != "" {
		opts = append(opts, game.WithFiles(game.FSProvider{FS: os.DirFS(assets)}))
		util.LogInfo("📦 Serving files from %s", assets)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var engine *game.Engine
	m := metrics.New(stats, func() int { return len(engine.Driver().Connections()) }, metrics.WithRegistry(reg))
	opts = append(opts, game.WithMetrics(m))

	engine, err = game.NewEngine(gcfg, socket, cfg.Driver, opts...)
	if err != nil {
		socket.Close()
		return err
	}

	if cfg.HTTPAddr != "" {
		go func() {
			if err := status.Serve(ctx, cfg.HTTPAddr, status.NewRouter(engine.Driver(), reg)); err != nil {
				util.LogError("status server: %v", err)
			}
		}()
		util.LogInfo("📊 Status on http://%s", cfg.HTTPAddr)
	}

	engine.Start()
	util.LogInfo("🚀 Server listening on %s (%s)", cfg.Listen, cfg.Transport)

	<-ctx.Done()
	util.LogInfo("🛑 Shutting down...")
	engine.Stop()
	return nil
}

// listen opens the server socket. WebSocket peers are accepted on the
// listen address by an HTTP server that lives until ctx is done.
func listen(ctx context.Context, cfg config.Config) (transport.Socket, error) {
	tcfg := transport.DefaultConfig()
	tcfg.MaxMessageSize = cfg.Driver.Conn.MaxPacket

	if cfg.Transport != config.TransportWebSocket {
		return transport.ListenUDP(cfg.Listen, tcfg)
	}

	ws := transport.NewWSSocket(cfg.Listen, tcfg)
	go func() {
		if err := status.Serve(ctx, cfg.Listen, ws); err != nil {
			util.LogError("websocket listener: %v", err)
		}
	}()
	return ws, nil
}
