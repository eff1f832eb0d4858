package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/fako1024/loadvue/pkg/loadcell"
	"github.com/fako1024/loadvue/pkg/mock"
	"github.com/fako1024/loadvue/pkg/sensor"
	"github.com/fako1024/loadvue/pkg/transport"
	"github.com/fako1024/loadvue/pkg/transport/serialport"
	"github.com/sirupsen/logrus"
)

type config struct {
	port    string
	useMock bool
	timeout time.Duration

	listPorts  bool
	identify   bool
	queryCal   bool
	tare       bool
	numSamples int
}

var log = logrus.New()

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() (err error) {

	// Parse command line options
	var (
		cfg  config
		port transport.Port
	)

	flag.StringVar(&cfg.port, "port", "auto", "Serial port of the sensor")
	flag.BoolVar(&cfg.useMock, "mock", false, "Use a simulated sensor")
	flag.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "Overall timeout for device queries")

	flag.BoolVar(&cfg.listPorts, "l", false, "List available serial ports")
	flag.BoolVar(&cfg.identify, "i", false, "Query device ID, capacity and units")
	flag.BoolVar(&cfg.queryCal, "c", false, "Query weight per count and mV/V sensitivity")
	flag.BoolVar(&cfg.tare, "t", false, "Tare the sensor")
	flag.IntVar(&cfg.numSamples, "n", 0, "Stream and print the given number of readings")
	flag.Parse()

	if cfg.listPorts {
		return listPorts()
	}

	if cfg.useMock {
		port = mock.New()
	} else {
		if port, err = serialport.Open(cfg.port); err != nil {
			return fmt.Errorf("failed to open serial port: %w", err)
		}
	}

	s, err := loadcell.New(port)
	if err != nil {
		return fmt.Errorf("failed to initialize session: %w", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			err = cerr
			return
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	if cfg.identify {
		info, err := s.Identify(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("ID:       %s\nCapacity: %s\nUnits:    %s (%s)\nHW tare:  %v\n", info.ID, info.Capacity, info.Units, info.Unit, info.SupportsHardwareTare())
	}
	if cfg.queryCal {
		swc, err := s.RequestWeightPerCount(ctx)
		if err != nil {
			return err
		}
		mvv, err := s.RequestMillivoltsPerVolt(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Weight per count: %.4E\nSensitivity:      %s mV/V\n", swc, mvv)
	}
	if cfg.numSamples > 0 || cfg.tare {
		if err := stream(s, cfg); err != nil {
			return err
		}
	}

	return nil
}

func listPorts() error {
	ports, err := serialport.List()
	if err != nil {
		return fmt.Errorf("failed to list serial ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}

	return nil
}

func stream(s *loadcell.Session, cfg config) error {
	readings, cancel := s.Subscribe(cfg.numSamples + 1)
	defer cancel()

	if err := s.StartStream(); err != nil {
		return err
	}
	defer func() {
		if err := s.StopStream(); err != nil {
			log.Warnf("Failed to stop stream: %s", err)
		}
	}()

	timeout := time.After(cfg.timeout)
	if cfg.tare {

		// Software tare requires at least one processed reading
		select {
		case <-readings:
		case <-timeout:
			return fmt.Errorf("failed to tare: %w", sensor.ErrNoData)
		}
		if err := s.Tare(); err != nil {
			return err
		}
		fmt.Println("Tare completed")
	}

	for i := 0; i < cfg.numSamples; i++ {
		select {
		case r, ok := <-readings:
			if !ok {
				return sensor.ErrNotConnected
			}
			fmt.Printf("%s\t%s\t(raw counts: %.0f)\n", r.TimeStamp.Format(time.RFC3339Nano), r, r.RawCounts)
		case <-timeout:
			return fmt.Errorf("failed to receive readings: %w", sensor.ErrNoData)
		}
	}

	return nil
}
