// Command doorsense runs the radar + beacon door-unlock loop: it connects
// to the configured radar sensor, tracks approaching subjects, verifies an
// authorized credential is present, and issues the door-open command when
// the subject crosses the threshold.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/openhallway/doorsense/internal/beacon"
	"github.com/openhallway/doorsense/internal/config"
	"github.com/openhallway/doorsense/internal/engine"
	"github.com/openhallway/doorsense/internal/radar"
)

var (
	configPath = flag.String("config", "config.json", "Path to the JSON configuration file")
	portFlag   = flag.String("port", "", "Serial port override (defaults to the configured UART port)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	port := cfg.Radar.GetUARTPort()
	if *portFlag != "" {
		port = *portFlag
	}

	var transport radar.Transport
	switch variant := cfg.Radar.GetVariant(); variant {
	case config.VariantLD2450:
		transport = radar.NewLD2450Transport(port, nil, nil)
	case config.VariantRD03D:
		transport = radar.NewRD03DTransport(port, nil, nil)
	default:
		log.Fatalf("unknown radar variant %q", variant)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The system cannot run without a radar: a failed handshake is fatal.
	if err := transport.Connect(ctx); err != nil {
		log.Fatalf("failed to connect radar: %v", err)
	}

	matcher, err := beacon.NewMatcher(&cfg.Beacons, beacon.NewBluetoothScanner(), nil)
	if err != nil {
		log.Fatalf("failed to set up beacon matcher: %v", err)
	}

	reader := radar.NewReader(transport, nil, cfg.Radar.GetLoopInterval())
	eng := engine.New(engine.Config{
		WindowSize:           cfg.Radar.GetTrendWindowSize(),
		NoiseThresholdCmPerS: cfg.Radar.GetNoiseThreshold(),
		ExpectedSide:         cfg.Radar.GetExpectedSide(),
		SignChangeYMaxMM:     cfg.Radar.GetSignChangeYMaxMM(),
		SignChangeXMaxMM:     cfg.Radar.GetSignChangeXMaxMM(),
		ComfortDelay:         cfg.Radar.GetComfortDelay(),
		CooldownDuration:     cfg.Radar.GetCooldownDuration(),
		ScanTimeout:          cfg.Radar.GetScanTimeout(),
		RelayDuration:        cfg.Door.GetRelayDuration(),
	}, reader.Updates(), matcher, engine.LogDoorController{}, engine.LogStatusPublisher{}, nil)

	// Shutdown order: the logic loop stops first so it issues no further
	// scans or door commands, then the reader, which closes the transport.
	readerCtx, stopReader := context.WithCancel(context.Background())
	defer stopReader()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reader.Run(readerCtx); err != nil && err != context.Canceled {
			log.Printf("reader terminated: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("engine terminated: %v", err)
		}
		stopReader()
	}()

	<-ctx.Done()
	log.Print("shutting down")
	wg.Wait()
}
