package device_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/sevkvm/device"
	"github.com/bobuhiro11/sevkvm/machine"
)

func TestShutdown(t *testing.T) {
	t.Parallel()

	s := device.NewShutdown()

	for _, tt := range []struct {
		value byte
		want  error
	}{
		{0x00, nil},
		{0x01, device.ErrReset},
		{0x34, device.ErrShutdown},
		{0x14, nil},
	} {
		if err := s.Write(device.ShutdownPort, []byte{tt.value}); !errors.Is(err, tt.want) {
			t.Errorf("write %#x: have %v, want %v", tt.value, err, tt.want)
		}
	}

	v := []byte{0xff}
	if err := s.Read(device.ShutdownPort, v); err != nil || v[0] != 0 {
		t.Errorf("read: have %#x, %v", v[0], err)
	}
}

func TestPostCode(t *testing.T) {
	t.Parallel()

	var p device.PostCode

	if err := p.Write(device.PostCodePort, []byte{0x42}); err != nil {
		t.Fatal(err)
	}

	if err := p.Write(device.PostCodePort, []byte{0x42, 0x00}); err == nil {
		t.Fatal("two byte post code accepted")
	}
}

func TestAttach(t *testing.T) {
	t.Parallel()

	p := machine.NewIOPorts()
	p.IgnoreLegacy()
	device.Attach(p, &device.PostCode{})
	device.Attach(p, device.NewShutdown())

	if err := p.HandleExit(nil, &machine.IOOutExit{Port: 0x80, Size: 1, Count: 1, Data: []byte{1}}); err != nil {
		t.Fatal(err)
	}

	// wide writes reach the device that replaced the ignored range.
	if err := p.HandleExit(nil, &machine.IOOutExit{Port: 0x80, Size: 2, Count: 1, Data: []byte{1, 2}}); err == nil {
		t.Fatal("post code accepted a word write")
	}

	e := &machine.IOOutExit{Port: device.ShutdownPort + 4, Size: 1, Count: 1, Data: []byte{0x34}}
	if err := p.HandleExit(nil, e); !errors.Is(err, device.ErrShutdown) {
		t.Fatalf("have %v, want %v", err, device.ErrShutdown)
	}

	if err := p.HandleExit(nil, &machine.IOInExit{Port: device.ShutdownPort + 8, Size: 1, Count: 1, Data: []byte{0}}); err == nil {
		t.Fatal("port past the device was routed")
	}
}
