package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fako1024/loadvue/pkg/api"
	"github.com/fako1024/loadvue/pkg/feed"
	"github.com/fako1024/loadvue/pkg/loadcell"
	"github.com/fako1024/loadvue/pkg/mock"
	"github.com/fako1024/loadvue/pkg/sensor"
	"github.com/fako1024/loadvue/pkg/transport"
	"github.com/fako1024/loadvue/pkg/transport/blebridge"
	"github.com/fako1024/loadvue/pkg/transport/serialport"
	"github.com/fako1024/loadvue/pkg/units"
	"github.com/sirupsen/logrus"
)

type config struct {
	port     string
	baudRate int
	ble      bool
	bleName  string
	bleAddr  string
	useMock  bool

	unit        string
	resolution  int
	pollCommand string
	manualSWC   float64

	apiEndpoint  string
	feedEndpoint string

	debug      bool
	structured bool
}

var log = logrus.New()

func main() {

	// Parse command line options
	var cfg config

	flag.StringVar(&cfg.port, "port", "auto", "serial port of the sensor (`auto` selects the first USB serial device)")
	flag.IntVar(&cfg.baudRate, "baud", serialport.DefaultBaudRate, "baud rate of the serial link")
	flag.BoolVar(&cfg.ble, "ble", false, "connect via BLE UART bridge instead of serial port")
	flag.StringVar(&cfg.bleName, "name", "", "name of remote BLE bridge peripheral")
	flag.StringVar(&cfg.bleAddr, "addr", "", "address of remote BLE bridge peripheral (MAC on Linux, UUID on OS X)")
	flag.BoolVar(&cfg.useMock, "mock", false, "use a simulated sensor")

	flag.StringVar(&cfg.unit, "unit", "", "display unit (default: as reported by the device)")
	flag.IntVar(&cfg.resolution, "resolution", 3, "number of decimal places")
	flag.StringVar(&cfg.pollCommand, "poll", "", "poll single readings using this command (e.g. `W` or `o0w1`) instead of streaming")
	flag.Float64Var(&cfg.manualSWC, "swc", 0, "manual weight per count (default: queried from device)")

	flag.StringVar(&cfg.apiEndpoint, "api", "", "endpoint to serve the REST API on (e.g. `:8080`)")
	flag.StringVar(&cfg.feedEndpoint, "feed", "", "endpoint to serve the websocket feed on (e.g. `:8081`)")

	flag.BoolVar(&cfg.debug, "debug", false, "enable debug logging")
	flag.BoolVar(&cfg.structured, "json", false, "emit structured (JSON) log output")
	flag.Parse()

	if cfg.debug {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg config) error {

	logger, err := sensor.NewLogger(cfg.debug, cfg.structured)
	if err != nil {
		return err
	}
	defer logger.Sync()

	port, err := openTransport(cfg, logger)
	if err != nil {
		return err
	}

	options := []func(*loadcell.Session){
		loadcell.WithLogger(logger),
		loadcell.WithResolution(cfg.resolution),
	}
	if cfg.pollCommand != "" {
		options = append(options, loadcell.WithPollCommand(cfg.pollCommand))
	}
	if cfg.unit != "" {
		unit := units.Canonical(cfg.unit)
		if !units.IsKnown(unit) {
			return fmt.Errorf("failed to set unit `%s`: %w", cfg.unit, sensor.ErrUnknownUnit)
		}
		options = append(options, loadcell.WithDisplayUnit(unit))
	}

	s, err := loadcell.New(port, options...)
	if err != nil {
		return fmt.Errorf("failed to initialize session: %w", err)
	}
	defer s.Close()

	stateChan := make(chan sensor.ConnectionStatus, 8)
	s.SetStateChangeChannel(stateChan)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := setup(ctx, s, cfg); err != nil {
		return err
	}

	// Serve the REST API and websocket feed, if requested
	if cfg.apiEndpoint != "" {
		a := api.New(s, cfg.apiEndpoint, api.WithLogger(logger))
		defer a.Shutdown()
		log.Infof("Serving REST API on %s", cfg.apiEndpoint)
	}
	var hub *feed.Hub
	if cfg.feedEndpoint != "" {
		hub = feed.NewHub(feed.WithLogger(logger))
		defer hub.Close()

		readings, unsubscribe := s.Subscribe(0)
		defer unsubscribe()
		go hub.Run(ctx, readings)

		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		srv := &http.Server{
			Addr:              cfg.feedEndpoint,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("Failed to serve websocket feed: %s", err)
			}
		}()
		defer srv.Close()
		log.Infof("Serving websocket feed on %s/ws", cfg.feedEndpoint)
	}

	dataChan := make(chan sensor.Reading, 256)
	s.SetDataChannel(dataChan)

	if err := s.StartStream(); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, os.Interrupt)

	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-sigChan:
			log.Infof("Got signal, terminating connection to device")
			return nil
		case st := <-stateChan:
			log.Warnf("State change: %v (%v)", st.State, st.Error)
			if hub != nil {
				hub.BroadcastStatus(st)
			}
			if st.State == sensor.StateDisconnected {
				return st.Error
			}
		case r := <-dataChan:
			log.Debugf("Reading: %s (raw counts: %.0f, calibrated: %v)", r, r.RawCounts, r.Calibrated)
		case <-statusTicker.C:
			fields := logrus.Fields{
				"rate":    fmt.Sprintf("%.1f/s", s.SampleRate()),
				"elapsed": s.ElapsedTime().Round(time.Second),
			}
			if peak, low, ok := s.Extrema(); ok {
				fields["peak"], fields["low"] = peak, low
			}
			if stats := s.Stats(); stats.Count > 0 {
				fields["mean"], fields["stddev"] = stats.Mean, stats.StdDev
			}
			if n := s.Overflows(); n > 0 {
				fields["overflows"] = n
			}
			log.WithFields(fields).Infof("Latest: %s", latest(s))
		}
	}
}

func openTransport(cfg config, logger sensor.Logger) (transport.Port, error) {
	switch {
	case cfg.useMock:
		log.Infof("Using simulated sensor")
		return mock.New(
			mock.WithSignal(mock.Sine(mock.DefaultCounts, 400, 10*time.Second)),
			mock.WithLogger(logger),
		), nil

	case cfg.ble:
		options := []func(*blebridge.Bridge){blebridge.WithLogger(logger)}
		if cfg.bleName != "" {
			options = append(options, blebridge.WithDeviceName(cfg.bleName))
		}
		if cfg.bleAddr != "" {
			options = append(options, blebridge.WithDeviceID(cfg.bleAddr))
		}
		b, err := blebridge.New(options...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize BLE bridge: %w", err)
		}

		log.Infof("Waiting for BLE bridge to connect")
		for b.ConnectionStatus().State != sensor.StateConnected {
			time.Sleep(time.Second)
		}
		return b, nil

	default:
		p, err := serialport.Open(cfg.port,
			serialport.WithBaudRate(cfg.baudRate),
			serialport.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port: %w", err)
		}
		log.Infof("Connected to %s", p.Name())
		return p, nil
	}
}

// setup identifies the device and retrieves its calibration
func setup(ctx context.Context, s *loadcell.Session, cfg config) error {
	info, err := s.Identify(ctx)
	if err != nil {
		log.Warnf("Failed to identify device: %s", err)
	} else {
		log.Infof("Device: %s (capacity: %s %s, hardware tare: %v)", info.ID, info.Capacity, info.Units, info.SupportsHardwareTare())
	}

	// Polled devices report calibrated values
	if cfg.pollCommand != "" {
		return nil
	}

	if cfg.manualSWC != 0 {
		if err := s.SetManualWeightPerCount(cfg.manualSWC); err != nil {
			return fmt.Errorf("failed to set weight per count: %w", err)
		}
		return nil
	}

	swc, err := s.RequestWeightPerCount(ctx)
	if err != nil {
		log.Warnf("Failed to retrieve weight per count, emitting raw counts: %s", err)
		return nil
	}
	log.Infof("Weight per count: %.4E", swc)

	if mvv, err := s.RequestMillivoltsPerVolt(ctx); err == nil {
		log.Infof("Sensitivity: %s mV/V", mvv)
	}

	return nil
}

func latest(s *loadcell.Session) string {
	recent := s.Recent()
	if len(recent) == 0 {
		return "--"
	}
	return recent[len(recent)-1].String()
}
