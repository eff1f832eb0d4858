package serialport

import (
	"testing"
	"time"
)

func TestInit(t *testing.T) {
	p, err := Open("/dev/does-not-exist-loadvue")
	if err == nil {
		t.Fatalf("opening of non-existing serial port was unexpectedly successful")
	}
	if p != nil {
		t.Fatalf("opening of non-existing serial port unexpectedly returned non-nil instance")
	}
}

func TestOptions(t *testing.T) {
	p := &Port{}
	for _, option := range []func(*Port){
		WithBaudRate(9600),
		WithReadTimeout(250 * time.Millisecond),
		WithDTR(true),
		WithRTS(false),
		WithBaudRate(-1),
	} {
		option(p)
	}

	if p.baudRate != 9600 || p.readTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected settings: %d / %v", p.baudRate, p.readTimeout)
	}
	if p.dtr == nil || !*p.dtr || p.rts == nil || *p.rts {
		t.Fatalf("unexpected line settings: %v / %v", p.dtr, p.rts)
	}
}

func TestInfoString(t *testing.T) {
	i := Info{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", Product: "FT232R", SerialNumber: "A1"}
	if s := i.String(); s != "/dev/ttyUSB0 (USB 0403:6001 FT232R A1)" {
		t.Fatalf("unexpected representation: %s", s)
	}
	if s := (Info{Name: "/dev/ttyS0"}).String(); s != "/dev/ttyS0" {
		t.Fatalf("unexpected representation: %s", s)
	}
}
