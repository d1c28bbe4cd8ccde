package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"simroute/internal/airports"
	"simroute/internal/bridge"
	"simroute/internal/config"
	"simroute/internal/control"
	"simroute/internal/device"
	"simroute/internal/gdl90"
	"simroute/internal/logging"
	"simroute/internal/relay"
	"simroute/internal/route"
	"simroute/internal/udp"
	"simroute/internal/web"
	"simroute/internal/worker"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		l := logging.Logger()
		l.Fatal().Err(err).Str("path", configPath).Msg("config load failed")
	}

	logs := web.NewLogBuffer(cfg.Logging.BufferLines)
	logger := logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Tee:        logs,
	})
	defer logging.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cancel, cfg, logs, logger); err != nil {
		logger.Error().Err(err).Msg("simroute stopped with error")
		_ = logging.Close()
		os.Exit(1)
	}
	logger.Info().Msg("simroute stopped")
}

func run(ctx context.Context, cancel context.CancelFunc, cfg config.Config, logs *web.LogBuffer, logger zerolog.Logger) error {
	src, err := device.New(deviceConfig(cfg))
	if err != nil {
		return err
	}

	rt := route.New()
	tx, rx := control.New(cfg.Control.Buffer)
	handle := bridge.NewHandle(rt, tx)

	w := worker.New(workerConfig(cfg), src, rt, rx, logger)
	w.Start()

	status := web.NewStatus()
	if cfg.GDL90.Enable {
		if err := startRelay(ctx, cfg, handle, status, logger); err != nil {
			// The relay is optional; the HTTP side keeps working without it.
			logger.Warn().Err(err).Str("dest", cfg.GDL90.Dest).Msg("gdl90 relay disabled")
		}
	}

	idx := loadAirports(cfg.Server.AirportsFile, logger)

	h := web.Handler(web.Deps{
		Handle:   handle,
		Worker:   w,
		Airports: idx,
		Logs:     logs,
		Status:   status,
		Options: web.Options{
			FrontDir:     cfg.Server.FrontDir,
			APIKeyFile:   cfg.Server.APIKeyFile,
			CORSOrigins:  cfg.Server.CORSOrigins,
			RateLimit:    cfg.Server.RateLimit.Requests,
			RateWindow:   cfg.Server.RateLimit.Window,
			PushInterval: cfg.Server.PushInterval,
		},
		Logger:     logger,
		OnShutdown: cancel,
		Done:       ctx.Done(),
	})

	printBanner(os.Stdout, cfg.Server.Listen)
	logger.Info().
		Str("listen", cfg.Server.Listen).
		Str("source", src.Name()).
		Str("route_id", handle.ID()).
		Msg("simroute starting")

	err = web.Serve(ctx, cfg.Server.Listen, h)

	// Stop is fire-and-forget; the process exits without joining the worker.
	handle.Shutdown()
	return err
}

func startRelay(ctx context.Context, cfg config.Config, handle *bridge.Handle, status *web.Status, logger zerolog.Logger) error {
	var icao [3]byte
	if cfg.GDL90.ICAO != "" {
		v, err := gdl90.ParseICAOHex(cfg.GDL90.ICAO)
		if err != nil {
			return err
		}
		icao = v
	}
	b, err := udp.NewBroadcaster(cfg.GDL90.Dest)
	if err != nil {
		return err
	}
	status.SetRelay(cfg.GDL90.Dest, cfg.GDL90.Interval)

	r := relay.New(relay.Config{
		Interval: cfg.GDL90.Interval,
		ICAO:     icao,
		Callsign: cfg.GDL90.Callsign,
	}, handle, b, status, logger)
	go func() {
		defer b.Close()
		r.Run(ctx)
	}()
	logger.Info().Str("dest", b.Dest()).Str("icao", cfg.GDL90.ICAO).Msg("gdl90 relay enabled")
	return nil
}

// loadAirports never fails; a missing or broken file leaves /airports empty.
func loadAirports(path string, logger zerolog.Logger) *airports.Index {
	if path == "" {
		return airports.New(nil)
	}
	idx, err := airports.Load(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("airports unavailable")
		return airports.New(nil)
	}
	logger.Info().Int("count", idx.Len()).Str("path", path).Msg("airports loaded")
	return idx
}

func deviceConfig(cfg config.Config) device.Config {
	d := cfg.Device
	return device.Config{
		Source: d.Source,
		Sim: device.SimConfig{
			CenterLatDeg: d.Sim.CenterLatDeg,
			CenterLonDeg: d.Sim.CenterLonDeg,
			AltFeet:      d.Sim.AltFeet,
			GroundKt:     d.Sim.GroundKt,
			RadiusNm:     d.Sim.RadiusNm,
			Period:       d.Sim.Period,
		},
		Track: device.TrackConfig{
			Path:  d.Track.Path,
			Speed: d.Track.Speed,
			Loop:  d.Track.Loop,
		},
		GPSDAddr: d.GPSDAddr,
		Device:   d.Serial.Device,
		Baud:     d.Serial.Baud,
	}
}

func workerConfig(cfg config.Config) worker.Config {
	d := cfg.Device
	return worker.Config{
		PollInterval:     d.PollInterval,
		BackoffInitial:   d.BackoffInitial,
		BackoffMax:       d.BackoffMax,
		FailureThreshold: d.FailureThreshold,
		SampleTimeout:    d.SampleTimeout,
		ConnectTimeout:   d.ConnectTimeout,
	}
}
