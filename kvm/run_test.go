package kvm_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/sevkvm/kvm"
)

func TestRunDataIO(t *testing.T) {
	t.Parallel()

	var r kvm.RunData

	r.ExitReason = kvm.EXITIO
	// direction out, size 2, port 0x3f8, count 3
	r.Data[0] = 1 | 2<<8 | 0x3f8<<16 | 3<<32
	r.Data[1] = 4096

	io := r.IO()
	if io.Direction != kvm.EXITIOOUT || io.Size != 2 || io.Port != 0x3f8 || io.Count != 3 || io.DataOffset != 4096 {
		t.Fatalf("unexpected decode %+v", io)
	}

	if io.Direction.String() != "out" || kvm.EXITIOIN.String() != "in" {
		t.Fatal("unexpected direction names")
	}
}

func TestRunDataMMIO(t *testing.T) {
	t.Parallel()

	var r kvm.RunData

	r.ExitReason = kvm.EXITMMIO
	r.Data[0] = 0xfee00000
	r.Data[2] = 4 | 1<<32

	m := r.MMIO()
	if m.PhysAddr != 0xfee00000 || m.Len != 4 || !m.IsWrite {
		t.Fatalf("unexpected decode %+v", m)
	}

	// Data aliases the run page.
	copy(m.Data, []byte{1, 2, 3, 4})

	if r.Data[1] != 0x04030201 {
		t.Fatalf("mmio data not aliased: %#x", r.Data[1])
	}

	if !bytes.Equal(r.MMIO().Data[:4], []byte{1, 2, 3, 4}) {
		t.Fatal("mmio data lost")
	}
}

func TestHardwareExitReason(t *testing.T) {
	t.Parallel()

	var r kvm.RunData

	r.ExitReason = kvm.EXITFAILENTRY
	r.Data[0] = 0x80000021

	if r.HardwareExitReason() != 0x80000021 {
		t.Fatal("unexpected hardware exit reason")
	}
}
