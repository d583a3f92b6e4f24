package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

var (
	serverURL      = flag.String("server", "ws://localhost:9000/ws", "Central system WebSocket URL (station id is appended)")
	chargePointID  = flag.String("id", "CP001", "Charge point id")
	vendor         = flag.String("vendor", "VoltGrid", "Charge point vendor")
	model          = flag.String("model", "SimulatorV1", "Charge point model")
	serial         = flag.String("serial", "SIM001", "Serial number")
	firmware       = flag.String("firmware", "1.0.0", "Firmware version")
	connectorCount = flag.Int("connectors", 2, "Number of connectors")
	meterPeriod    = flag.Duration("meter-period", 0, "MeterValues interval while charging (0 disables)")
	interactive    = flag.Bool("interactive", false, "Enable interactive mode")
	verbose        = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	// Setup logger
	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	config := &SimulatorConfig{
		ServerURL:       *serverURL,
		ChargePointID:   *chargePointID,
		Vendor:          *vendor,
		Model:           *model,
		SerialNumber:    *serial,
		FirmwareVersion: *firmware,
		ConnectorCount:  *connectorCount,
		MeterPeriod:     *meterPeriod,
	}

	simulator := NewSimulator(config, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down simulator...")
		simulator.Stop()
		os.Exit(0)
	}()

	if err := simulator.Connect(); err != nil {
		logger.Fatal("Failed to connect to server", zap.Error(err))
	}

	if *interactive {
		runInteractiveMode(simulator)
	} else {
		fmt.Printf("OCPP 1.6 charge point simulator started\n")
		fmt.Printf("  ID: %s\n", *chargePointID)
		fmt.Printf("  Server: %s\n", *serverURL)
		fmt.Println("\nPress Ctrl+C to stop")

		select {}
	}
}

func runInteractiveMode(sim *Simulator) {
	fmt.Println("\nOCPP 1.6 Charge Point Simulator - Interactive Mode")
	fmt.Println("==================================================")
	fmt.Println("Commands:")
	fmt.Println("  start <connector> [idTag]  - Start a transaction")
	fmt.Println("  stop                       - Stop the current transaction")
	fmt.Println("  status <connector> <state> - Send StatusNotification")
	fmt.Println("  meter <wh>                 - Send a MeterValues sample")
	fmt.Println("  heartbeat                  - Send a Heartbeat")
	fmt.Println("  authorize <idTag>          - Send Authorize")
	fmt.Println("  boot                       - Resend BootNotification")
	fmt.Println("  quit                       - Exit simulator")
	fmt.Println("")

	sim.RunInteractive()
}
