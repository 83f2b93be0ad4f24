// Command buttond drives output lines from button edges and hands the slow
// part of each press to a deferred worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/buttond/internal/config"
	"github.com/sweeney/buttond/internal/gpio"
	"github.com/sweeney/buttond/internal/logging"
	"github.com/sweeney/buttond/internal/metrics"
	"github.com/sweeney/buttond/internal/mqtt"
	"github.com/sweeney/buttond/internal/web"
)

type options struct {
	ConfigPath string
	Chip       string
	Broker     string
	HTTPAddr   string
	Hold       time.Duration
	LogLevel   string
	LogFormat  string
	PrintState bool
}

func main() {
	var opts options
	flag.StringVar(&opts.ConfigPath, "config", "", "YAML line table (empty uses the built-in LED and two buttons)")
	flag.StringVar(&opts.Chip, "chip", "", "GPIO chip, overrides the config file")
	flag.StringVar(&opts.Broker, "broker", "tcp://localhost:1883", `MQTT broker address ("off" disables)`)
	flag.StringVar(&opts.HTTPAddr, "http", ":8080", "HTTP status address (empty to disable)")
	flag.DurationVar(&opts.Hold, "hold", 500*time.Millisecond, "How long each deferred run holds after publishing")
	flag.StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&opts.LogFormat, "log-format", "text", "Log format: text or json")
	flag.BoolVar(&opts.PrintState, "print-state", false, "Print every line's level and exit")
	flag.Parse()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := run(opts, sigCh, os.Stdout); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(opts options, sig <-chan os.Signal, stdout io.Writer) error {
	level, err := logging.ParseLevel(opts.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.New(level, opts.LogFormat)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Chip != "" {
		cfg.Chip = opts.Chip
	}

	c, err := gpio.NewChip(cfg.Chip)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer c.Close()

	pub := newPublisher(opts, logger)
	defer pub.Close()

	m := metrics.New(true)
	d, err := newDaemon(cfg, opts, c, pub, m, logger, time.Now)
	if err != nil {
		return err
	}

	if opts.PrintState {
		return runPrintState(d, stdout)
	}

	if err := d.start(context.Background()); err != nil {
		return err
	}
	logger.Info("started", "chip", cfg.Chip, "broker", opts.Broker, "hold", opts.Hold, "lines", d.reg.Len())

	var srv *web.Server
	if opts.HTTPAddr != "" {
		srv = web.New(opts.HTTPAddr, d.tracker, m.Handler())
	}
	return d.serve(context.Background(), srv, opts.HTTPAddr, sig, 5*time.Second)
}

func runPrintState(d *daemon, w io.Writer) error {
	if err := d.start(context.Background()); err != nil {
		return err
	}
	err := d.printState(w)
	d.stop("PRINT_STATE")
	return err
}

func newPublisher(opts options, logger *slog.Logger) mqtt.Publisher {
	if opts.PrintState || opts.Broker == "" || opts.Broker == "off" {
		return mqtt.Discard{}
	}
	host, _ := os.Hostname()
	p, err := mqtt.NewRealPublisher(opts.Broker, "buttond-"+host, mqtt.ConnectTimeout, logger)
	if err != nil {
		logger.Warn("mqtt disabled", "broker", opts.Broker, "error", err)
		return mqtt.Discard{}
	}
	return p
}
