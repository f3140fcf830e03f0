package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/marislowe/kestrel/gateway"
	"github.com/marislowe/kestrel/logging"
	"github.com/marislowe/kestrel/metrics"
	"github.com/marislowe/kestrel/utils"
)

var signals = []os.Signal{
	os.Interrupt,
	syscall.SIGINT,
	syscall.SIGTERM,
}

func main() {
	err := godotenv.Load()
	if err != nil {
		panic("failed to load config file")
	}
	logger := slog.New(logging.NewCustomHandler(os.Stderr, logging.CustomHandlerOpts{}))
	slog.SetDefault(logger)

	cfg := utils.LoadConfiguration()
	version, err := strconv.ParseUint(cfg.DiscordGatewayVersion, 10, 32)
	if err != nil {
		panic("dc_gateway_version must be a number")
	}
	if cfg.MetricsAddress != "" {
		metrics.StartServer(cfg.MetricsAddress, "/metrics")
	}

	ctx, stop := signal.NotifyContext(context.Background(), signals...)
	defer stop()

	g := gateway.NewGateway(gateway.Arguments{
		Credentials:    gateway.StaticToken(cfg.DiscordUserToken),
		Logger:         logger,
		HTTPBaseURL:    cfg.DiscordHTTPBaseURL,
		GatewayURL:     cfg.DiscordGatewayAddress,
		GatewayVersion: uint(version),
	})
	g.OnConnStateChange.AddHandler(func(s gateway.ConnectionState) {
		logger.Info("connection state changed", "connected", s.Connected, "reachable", s.Reachable)
	})
	g.OnAuthFailure.AddHandler(func(err error) {
		logger.Error("authentication failure, log in again", "error", err)
		stop()
	})
	g.OnEvent.AddHandler(func(ev *gateway.DispatchEvent) {
		logger.Debug("event", "name", ev.Name, "sequence", ev.Seq)
	})

	if err := g.Connect(ctx); err != nil {
		panic(err)
	}
	<-ctx.Done()
	g.Close("shutting down")
	g.OnEvent.RemoveAll()
	g.OnConnStateChange.RemoveAll()
	g.OnAuthFailure.RemoveAll()
}
