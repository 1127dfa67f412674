package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/hrmonitor/internal/config"
	"github.com/lowaak/hrmonitor/internal/feed"
	"github.com/lowaak/hrmonitor/internal/hrm"
	"github.com/lowaak/hrmonitor/internal/logging"
	"github.com/lowaak/hrmonitor/internal/radio"
	"github.com/lowaak/hrmonitor/internal/sim"
)

// openAdapter builds the configured radio. power brings it up once the
// coordinator listens; cleanup releases everything openAdapter started.
func openAdapter(cfg *config.Config, logger *log.Logger) (adapter radio.Adapter, power func() error, cleanup func()) {
	if cfg.Adapter == config.AdapterSim {
		peripherals := make([]sim.PeripheralConfig, 0, len(cfg.Sim.Devices))
		for i, d := range cfg.Sim.Devices {
			peripherals = append(peripherals, sim.PeripheralConfig{
				ID:        radio.PeripheralID(d.Address),
				Name:      d.Name,
				Location:  hrm.SensorLocation(1 + i%2),
				HeartRate: uint16(65 + 5*i),
			})
		}
		simAdapter := sim.NewAdapter(logger, sim.Config{Peripherals: peripherals, Interval: cfg.Sim.Interval})
		control := sim.NewControlServer(simAdapter, logger, cfg.Sim.HTTPPort)
		control.Start()
		power = func() error {
			simAdapter.PowerOn()
			return nil
		}
		cleanup = func() {
			control.Shutdown()
			simAdapter.Close()
		}
		return simAdapter, power, cleanup
	}

	tinygoAdapter := radio.NewTinyGoAdapter(bluetooth.DefaultAdapter, logger)
	return tinygoAdapter, tinygoAdapter.Enable, func() {
		if err := tinygoAdapter.Close(); err != nil {
			logger.Printf("Error closing adapter: %v", err)
		}
	}
}

func run() error {
	cfg, err := config.Load(config.NewFlagSet("hrmonitor"), os.Args[1:])
	if err != nil {
		return err
	}

	logger, logFile, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger.Printf("Starting hrmonitor with %s adapter", cfg.Adapter)

	adapter, power, cleanup := openAdapter(cfg, logger)
	defer cleanup()

	coordinator := hrm.NewCoordinator(adapter, logger, hrm.Options{
		OperationTimeout: cfg.OperationTimeout,
		LoggingEnabled:   cfg.Log.Verbose,
	})
	coordinator.Start()
	defer coordinator.Shutdown()

	if cfg.FeedListen != "" {
		broadcaster := feed.NewBroadcaster(logger)
		broadcaster.Follow(coordinator)
		server := feed.NewServer(cfg.FeedListen, broadcaster, logger)
		server.Start()
		defer server.Shutdown()
		defer broadcaster.Close()
	}

	ui := newMonitorUI(coordinator, logger, radio.PeripheralID(cfg.Preferred))
	logging.Tee(logger, ui.logView)
	stopStates := ui.watchAdapterState()
	defer stopStates()

	must("start watching", coordinator.StartWatching(ui.onDiscovered))
	if err := power(); err != nil {
		// Reported through the adapter state too; keep the UI up.
		logger.Printf("Failed to enable BLE stack: %v", err)
	}

	return ui.run()
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "hrmonitor: %v\n", err)
		os.Exit(1)
	}
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}
