package loadcell

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/fako1024/loadvue/pkg/mock"
	"github.com/fako1024/loadvue/pkg/sensor"
	"github.com/fako1024/loadvue/pkg/units"
)

const testTimeout = 3 * time.Second

func newTestSession(t *testing.T, deviceOptions []func(*mock.Device), options ...func(*Session)) (*Session, *mock.Device) {
	device := mock.New(append([]func(*mock.Device){
		mock.WithInterval(2 * time.Millisecond),
		mock.WithResponseDelay(60 * time.Millisecond),
		mock.WithReadTimeout(10 * time.Millisecond),
		mock.WithChunkSize(5),
	}, deviceOptions...)...)

	s, err := New(device, append([]func(*Session){
		WithSettleDelay(20 * time.Millisecond),
		WithProcessingPeriod(10 * time.Millisecond),
	}, options...)...)
	if err != nil {
		t.Fatalf("failed to instantiate session: %s", err)
	}

	return s, device
}

func waitFor(t *testing.T, ch <-chan sensor.Reading, fn func(r sensor.Reading) bool) sensor.Reading {
	deadline := time.After(testTimeout)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				t.Fatalf("reading stream closed unexpectedly")
			}
			if fn(r) {
				return r
			}
		case <-deadline:
			t.Fatalf("no matching reading received within %v", testTimeout)
		}
	}
}

func anyReading(sensor.Reading) bool { return true }

func TestInit(t *testing.T) {
	s, err := New(nil)
	if err == nil {
		t.Fatalf("instantiation of session without transport was unexpectedly successful")
	}
	if s != nil {
		t.Fatalf("instantiation of session without transport unexpectedly returned non-nil instance")
	}
}

func TestStreamAndCalibrate(t *testing.T) {
	s, device := newTestSession(t, nil)
	defer s.Close()

	readings, cancel := s.Subscribe(256)
	defer cancel()

	if err := s.StartStream(); err != nil {
		t.Fatalf("failed to start stream: %s", err)
	}
	if !s.IsStreaming() {
		t.Fatalf("session not streaming")
	}

	r := waitFor(t, readings, anyReading)
	if r.Calibrated || math.Abs(r.RawCounts-mock.DefaultCounts) > 1e-6 {
		t.Fatalf("unexpected uncalibrated reading: %+v", r)
	}

	swc, err := s.RequestWeightPerCount(context.Background())
	if err != nil {
		t.Fatalf("failed to request weight per count: %s", err)
	}
	if swc != 2.56e-4 {
		t.Fatalf("unexpected weight per count: %v", swc)
	}
	if st := s.CalibrationState(); st.WeightPerCountStatus() != sensor.CalibrationSet {
		t.Fatalf("unexpected calibration state: %+v", st)
	}

	// The answer must not have been interpreted as a sample
	r = waitFor(t, readings, func(r sensor.Reading) bool { return r.Calibrated })
	if math.Abs(r.Value-mock.DefaultCounts*2.56e-4) > 1e-6 {
		t.Fatalf("unexpected calibrated reading: %+v", r)
	}

	mvv, err := s.RequestMillivoltsPerVolt(context.Background())
	if err != nil || mvv != "2.0014" {
		t.Fatalf("unexpected mV/V: %s (%v)", mvv, err)
	}

	for _, r := range s.All() {
		if r.Calibrated && math.Abs(r.Value-mock.DefaultCounts*2.56e-4) > 1e-6 {
			t.Fatalf("unexpected reading in history: %+v", r)
		}
	}

	if err := s.StopStream(); err != nil {
		t.Fatalf("failed to stop stream: %s", err)
	}
	if err := s.StopStream(); err != nil {
		t.Fatalf("repeated stop failed: %s", err)
	}
	if s.IsStreaming() || device.IsStreaming() {
		t.Fatalf("stream still active after stop")
	}
	if s.ElapsedTime() <= 0 {
		t.Fatalf("unexpected elapsed streaming time: %v", s.ElapsedTime())
	}
}

func TestIdentifyAndHardwareTare(t *testing.T) {
	s, device := newTestSession(t, []func(*mock.Device){
		mock.WithID("UHS-1k 0042"),
		mock.WithUnits("lbs"),
	})
	defer s.Close()

	info, err := s.Identify(context.Background())
	if err != nil {
		t.Fatalf("failed to identify device: %s", err)
	}
	if info.ID != "UHS-1k 0042" || info.Capacity != "1000" || info.Unit != units.UnitPounds {
		t.Fatalf("unexpected device info: %+v", info)
	}
	if !info.SupportsHardwareTare() || s.Unit() != units.UnitPounds {
		t.Fatalf("unexpected session setup: %+v / %s", info, s.Unit())
	}

	readings, cancel := s.Subscribe(256)
	defer cancel()

	if err := s.StartStream(); err != nil {
		t.Fatalf("failed to start stream: %s", err)
	}
	waitFor(t, readings, anyReading)

	if err := s.Tare(); err != nil {
		t.Fatalf("failed to tare: %s", err)
	}
	if s.processor.TareOffset() != 0 {
		t.Fatalf("software tare offset set for hardware tare")
	}
	waitFor(t, readings, func(r sensor.Reading) bool { return r.RawCounts == 0 })

	found := false
	for _, cmd := range device.Commands() {
		if cmd == "ct0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("hardware tare command not sent: %v", device.Commands())
	}
}

func TestSoftwareTare(t *testing.T) {
	s, _ := newTestSession(t, nil, WithHardwareTare(false))
	defer s.Close()

	if err := s.Tare(); !errors.Is(err, sensor.ErrNoData) {
		t.Fatalf("unexpected error for tare without data: %v", err)
	}

	readings, cancel := s.Subscribe(256)
	defer cancel()

	if err := s.StartStream(); err != nil {
		t.Fatalf("failed to start stream: %s", err)
	}
	waitFor(t, readings, func(r sensor.Reading) bool { return r.RawCounts == mock.DefaultCounts })

	if err := s.Tare(); err != nil {
		t.Fatalf("failed to tare: %s", err)
	}
	waitFor(t, readings, func(r sensor.Reading) bool { return math.Abs(r.RawCounts) < 1e-9 })
}

func TestSetUnitRescales(t *testing.T) {
	s, _ := newTestSession(t, nil,
		WithDeviceUnit(units.UnitKilograms),
		WithDisplayUnit(units.UnitKilograms),
	)
	defer s.Close()

	if err := s.SetManualWeightPerCount(1e-3); err != nil {
		t.Fatalf("failed to set weight per count: %s", err)
	}

	readings, cancel := s.Subscribe(256)
	defer cancel()

	if err := s.StartStream(); err != nil {
		t.Fatalf("failed to start stream: %s", err)
	}
	waitFor(t, readings, anyReading)
	if err := s.StopStream(); err != nil {
		t.Fatalf("failed to stop stream: %s", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := s.SetUnit(units.UnitPounds); err != nil {
		t.Fatalf("failed to set unit: %s", err)
	}
	want := mock.DefaultCounts * 1e-3 * 2.20462
	for _, r := range s.All() {
		if r.Unit != units.UnitPounds || math.Abs(r.Value-want) > 1e-9 {
			t.Fatalf("reading not rescaled: %+v", r)
		}
	}
	if peak, low, ok := s.Extrema(); !ok || math.Abs(peak-want) > 1e-9 || math.Abs(low-want) > 1e-9 {
		t.Fatalf("extrema not rescaled: %v / %v", peak, low)
	}
	if s.Unit() != units.UnitPounds {
		t.Fatalf("unexpected unit: %s", s.Unit())
	}

	if err := s.SetUnit("furlong"); !errors.Is(err, sensor.ErrUnknownUnit) {
		t.Fatalf("unexpected error for unknown unit: %v", err)
	}
	if err := s.SetResolution(MaxResolution + 1); !errors.Is(err, sensor.ErrInvalidResolution) {
		t.Fatalf("unexpected error for invalid resolution: %v", err)
	}
	if err := s.SetResolution(2); err != nil || s.Resolution() != 2 {
		t.Fatalf("failed to set resolution: %v", err)
	}

	s.ClearHistory()
	if len(s.All()) != 0 || len(s.Recent()) != 0 {
		t.Fatalf("history not cleared")
	}
}

func TestFastAnswerWhileStreaming(t *testing.T) {
	s, _ := newTestSession(t, []func(*mock.Device){mock.WithResponseDelay(5 * time.Millisecond)})
	defer s.Close()

	readings, cancel := s.Subscribe(256)
	defer cancel()

	if err := s.StartStream(); err != nil {
		t.Fatalf("failed to start stream: %s", err)
	}
	waitFor(t, readings, anyReading)

	swc, err := s.RequestWeightPerCount(context.Background())
	if err != nil || swc != 2.56e-4 {
		t.Fatalf("unexpected weight per count: %v (%v)", swc, err)
	}
	mvv, err := s.RequestMillivoltsPerVolt(context.Background())
	if err != nil || mvv != "2.0014" {
		t.Fatalf("unexpected mV/V: %s (%v)", mvv, err)
	}

	r := waitFor(t, readings, func(r sensor.Reading) bool { return r.Calibrated })
	if math.Abs(r.Value-mock.DefaultCounts*2.56e-4) > 1e-6 {
		t.Fatalf("unexpected calibrated reading: %+v", r)
	}
}

func TestLiveUnitChange(t *testing.T) {
	s, _ := newTestSession(t, nil)
	defer s.Close()

	if err := s.SetManualWeightPerCount(1e-3); err != nil {
		t.Fatalf("failed to set weight per count: %s", err)
	}
	if err := s.SetUnit(units.UnitKilograms); err != nil {
		t.Fatalf("failed to set unit: %s", err)
	}

	readings, cancel := s.Subscribe(256)
	defer cancel()

	if err := s.StartStream(); err != nil {
		t.Fatalf("failed to start stream: %s", err)
	}
	waitFor(t, readings, func(r sensor.Reading) bool { return r.Unit == units.UnitKilograms })

	if err := s.SetUnit(units.UnitPounds); err != nil {
		t.Fatalf("failed to set unit: %s", err)
	}
	want := mock.DefaultCounts * 1e-3 * 2.20462
	r := waitFor(t, readings, func(r sensor.Reading) bool { return r.Unit == units.UnitPounds })
	if math.Abs(r.Value-want) > 1e-6 {
		t.Fatalf("reading not converted: %+v", r)
	}

	// The sinks keep accepting readings in the new unit
	n := len(s.All())
	time.Sleep(100 * time.Millisecond)
	all := s.All()
	if len(all) <= n {
		t.Fatalf("no readings accepted after unit change: %d -> %d", n, len(all))
	}
	for _, r := range all {
		if r.Unit != units.UnitPounds || math.Abs(r.Value-want) > 1e-6 {
			t.Fatalf("unexpected reading in history: %+v", r)
		}
	}
}

func TestCancelledQueryWhileStreaming(t *testing.T) {
	s, _ := newTestSession(t, []func(*mock.Device){mock.WithResponseDelay(200 * time.Millisecond)})
	defer s.Close()

	if err := s.SetManualWeightPerCount(1e-3); err != nil {
		t.Fatalf("failed to set weight per count: %s", err)
	}

	readings, cancel := s.Subscribe(256)
	defer cancel()

	if err := s.StartStream(); err != nil {
		t.Fatalf("failed to start stream: %s", err)
	}
	waitFor(t, readings, anyReading)

	ctx, cancelQuery := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelQuery()
	if _, err := s.RequestWeightPerCount(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error for cancelled request: %v", err)
	}
	if st := s.CalibrationState(); st.AwaitingWeightPerCount {
		t.Fatalf("awaiting flag not cleared after cancellation")
	}

	// The late answer must neither change the calibration nor stop the samples
	time.Sleep(300 * time.Millisecond)
	if st := s.CalibrationState(); st.WeightPerCount != 1e-3 {
		t.Fatalf("calibration changed by late answer: %+v", st)
	}
	since := time.Now()
	r := waitFor(t, readings, func(r sensor.Reading) bool { return r.TimeStamp.After(since) })
	if !r.Calibrated || math.Abs(r.Value-mock.DefaultCounts*1e-3) > 1e-6 {
		t.Fatalf("unexpected reading after cancelled request: %+v", r)
	}
}

func TestQueryTimeout(t *testing.T) {
	s, _ := newTestSession(t,
		[]func(*mock.Device){mock.WithResponseDelay(time.Second)},
		WithResponseTimeout(50*time.Millisecond),
	)
	defer s.Close()

	if _, err := s.RequestWeightPerCount(context.Background()); !errors.Is(err, sensor.ErrNoResponse) {
		t.Fatalf("unexpected error for unanswered request: %v", err)
	}
	if st := s.CalibrationState(); st.AwaitingWeightPerCount {
		t.Fatalf("awaiting flag not cleared after timeout")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.RequestMillivoltsPerVolt(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error for cancelled request: %v", err)
	}
}

func TestPolledMode(t *testing.T) {
	s, device := newTestSession(t,
		[]func(*mock.Device){mock.WithResponseDelay(0)},
		WithPollCommand(CmdSingleReading),
		WithPollInterval(10*time.Millisecond),
	)
	defer s.Close()

	readings, cancel := s.Subscribe(256)
	defer cancel()

	if err := s.StartStream(); err != nil {
		t.Fatalf("failed to start stream: %s", err)
	}
	r := waitFor(t, readings, anyReading)
	if !r.Calibrated || math.Abs(r.Value-0.564) > 1e-9 {
		t.Fatalf("unexpected polled reading: %+v", r)
	}

	if err := s.StopStream(); err != nil {
		t.Fatalf("failed to stop stream: %s", err)
	}
	for _, cmd := range device.Commands() {
		if cmd == "H" || cmd == "S" {
			t.Fatalf("stream command `%s` sent in polled mode", cmd)
		}
	}
}

type failingPort struct {
	release chan struct{}
	once    sync.Once
}

func (p *failingPort) Read(b []byte) (int, error) {
	<-p.release

	var chunk []byte
	p.once.Do(func() {
		chunk = []byte("089B\r089B\r")
	})
	if chunk != nil {
		return copy(b, chunk), nil
	}
	return 0, errors.New("device unplugged")
}

func (p *failingPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *failingPort) Close() error { return nil }

func TestTransportFailure(t *testing.T) {
	port := &failingPort{release: make(chan struct{})}
	states := make(chan sensor.ConnectionStatus, 8)

	s, err := New(port, WithProcessingPeriod(10*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to instantiate session: %s", err)
	}
	defer s.Close()
	s.SetStateChangeChannel(states)

	if err := s.StartStream(); err != nil {
		t.Fatalf("failed to start stream: %s", err)
	}
	close(port.release)

	select {
	case status := <-states:
		if status.State != sensor.StateDisconnected || status.Error == nil {
			t.Fatalf("unexpected status after transport failure: %+v", status)
		}
	case <-time.After(testTimeout):
		t.Fatalf("transport failure not reported")
	}
	if s.IsStreaming() {
		t.Fatalf("session still streaming after transport failure")
	}
}

func TestClose(t *testing.T) {
	s, device := newTestSession(t, nil)
	readings, _ := s.Subscribe(1)

	if err := s.SetManualWeightPerCount(1e-3); err != nil {
		t.Fatalf("failed to set weight per count: %s", err)
	}
	if err := s.StartStream(); err != nil {
		t.Fatalf("failed to start stream: %s", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("failed to close session: %s", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close failed: %s", err)
	}

	if st := s.CalibrationState(); st != (sensor.CalibrationState{}) {
		t.Fatalf("calibration state not reset: %+v", st)
	}
	if s.ConnectionStatus().State != sensor.StateDisconnected {
		t.Fatalf("unexpected state after close: %s", s.ConnectionStatus().State)
	}
	if err := s.StartStream(); !errors.Is(err, sensor.ErrNotConnected) {
		t.Fatalf("unexpected error starting stream on closed session: %v", err)
	}
	if err := s.Tare(); !errors.Is(err, sensor.ErrNotConnected) {
		t.Fatalf("unexpected error for tare on closed session: %v", err)
	}

	// Subscriptions are terminated
	for range readings {
	}

	cmds := device.Commands()
	if len(cmds) < 2 || cmds[len(cmds)-1] != "S" {
		t.Fatalf("stream not stopped on close: %v", cmds)
	}
}
