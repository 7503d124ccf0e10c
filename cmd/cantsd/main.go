package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brutella/can"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/farouk15160/cants/internal/app"
	"github.com/farouk15160/cants/internal/candrv"
	"github.com/farouk15160/cants/internal/cants"
	"github.com/farouk15160/cants/internal/config"
	"github.com/farouk15160/cants/internal/metrics"
	"github.com/farouk15160/cants/internal/mqtt"
	"github.com/farouk15160/cants/internal/redundancy"
	"github.com/farouk15160/cants/internal/storage"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cantsd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if *flags.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(*flags.Verbose)

	cfg := config.Default()
	if *flags.ConfigFile != "" {
		loaded, err := config.Load(*flags.ConfigFile)
		if err != nil {
			log.Error("Failed to load config", "error", err)
			return err
		}
		cfg = *loaded
	}
	flags.Apply(flag.CommandLine, &cfg)
	if err := cfg.Validate(); err != nil {
		log.Error("Invalid config", "error", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go serveMetrics(log, cfg.MetricsAddr)
	}

	clock := clockwork.NewRealClock()

	buses := make([]*can.Bus, 0, len(cfg.CAN.Interfaces))
	ports := make([]candrv.Port, 0, len(cfg.CAN.Interfaces))
	for _, name := range cfg.CAN.Interfaces {
		bus, err := candrv.Open(ctx, log, name, cfg.CAN.OpenTimeout)
		if err != nil {
			log.Error("Failed to open CAN bus", "interface", name, "error", err)
			return err
		}
		buses = append(buses, bus)
		ports = append(ports, bus)
	}

	driver, err := candrv.New(log, cfg.Driver(clock, ports))
	if err != nil {
		log.Error("Failed to create CAN driver", "error", err)
		return err
	}

	var (
		client *mqtt.Client
		mirror *mqtt.Mirror
	)
	if cfg.MQTT.Broker != "" {
		client, err = mqtt.NewClient(log, mqtt.ClientConfig{
			BrokerURL:   cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			WillTopic:   mqtt.StatusTopic(cfg.MQTT.TopicPrefix, cfg.Node.ID),
			WillPayload: mqtt.OfflinePayload(),
			OnConnect:   func() { mirror.Online(version) },
		})
		if err != nil {
			log.Error("Failed to create MQTT client", "error", err)
			return err
		}
		mirror, err = mqtt.NewMirror(log, cfg.Mirror(clock, client))
		if err != nil {
			log.Error("Failed to create MQTT mirror", "error", err)
			return err
		}
	}

	memory, err := storage.NewMemory(log, cfg.Memory(clock))
	if err != nil {
		log.Error("Failed to create block storage", "error", err)
		return err
	}

	var watchdog *redundancy.Watchdog
	if cfg.Redundancy.Enabled {
		wcfg := cfg.Watchdog(clock, driver)
		if mirror != nil {
			wcfg.OnSwitch = mirror.BusSwitch
		}
		watchdog, err = redundancy.New(log, wcfg)
		if err != nil {
			log.Error("Failed to create redundancy watchdog", "error", err)
			return err
		}
	}

	appCfg := app.Config{Registers: cfg.App.Registers}
	if watchdog != nil {
		appCfg.Heartbeat = watchdog
	}
	if mirror != nil {
		appCfg.Mirror = mirror
	}
	registers, err := app.New(log, appCfg)
	if err != nil {
		log.Error("Failed to create application", "error", err)
		return err
	}

	stackCfg := cfg.Stack(clock)
	stackCfg.Sender = driver
	stackCfg.Application = registers
	stackCfg.Store = memory
	if mirror != nil {
		stackCfg.SetBlockDone = mirror.BlockWritten
	}
	stack, err := cants.New(log, stackCfg)
	if err != nil {
		log.Error("Failed to create CAN-TS stack", "error", err)
		return err
	}
	driver.SetReceiver(stack)

	if client != nil {
		client.Connect()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return driver.Run(ctx) })
	g.Go(func() error { return memory.Run(ctx) })
	g.Go(func() error { return stack.Run(ctx) })
	if watchdog != nil {
		g.Go(func() error { return watchdog.Run(ctx) })
	}
	for i, bus := range buses {
		name := cfg.CAN.Interfaces[i]
		g.Go(func() error { return driver.Serve(ctx, i, name, bus) })
	}

	log.Info("Node running", "node", fmt.Sprintf("%02X", cfg.Node.ID), "buses", cfg.CAN.Interfaces, "version", version)
	err = g.Wait()

	if client != nil {
		mirror.Offline()
		client.Disconnect()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Node stopped with error", "error", err)
		return err
	}
	log.Info("Node stopped")
	return nil
}

func serveMetrics(log *slog.Logger, addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("Failed to start prometheus metrics server listener", "error", err)
		os.Exit(1)
	}
	log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.Serve(listener, mux); err != nil {
		log.Error("Failed to start prometheus metrics server", "error", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
