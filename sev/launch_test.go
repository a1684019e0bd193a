package sev

import (
	"crypto/sha256"
	"errors"
	"hash"
	"os"
	"reflect"
	"testing"
	"unsafe"

	"github.com/bobuhiro11/sevkvm/kvm"
	"golang.org/x/sys/unix"
)

var errBusy = errors.New("vm busy")

type fakeVM struct {
	launching bool
	name      string
}

func (v *fakeVM) Fd() uintptr { return 42 }

func (v *fakeVM) BeginLaunch() error {
	if v.launching {
		return errBusy
	}

	v.launching = true

	return nil
}

func (v *fakeVM) EndLaunch() { v.launching = false }

type failure struct {
	code uint32
	err  error
	once bool
}

// fakeFirmware records commands and measures update data with sha256.
type fakeFirmware struct {
	vmFd    uintptr
	codes   []kvm.SEVCode
	handle  uint32
	policy  uint32
	cert    []byte
	session []byte
	digest  hash.Hash
	fail    map[kvm.SEVCode]*failure

	header    Header
	secret    []byte
	guestAddr uint64
	guestLen  uint32
}

func newFakeFirmware() *fakeFirmware {
	return &fakeFirmware{vmFd: 42, handle: 7, digest: sha256.New(), fail: map[kvm.SEVCode]*failure{}}
}

// hostPointer reads back an address the launch code stored in a payload.
// The buffer behind it stays pinned until the command returns.
func hostPointer(addr uint64) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&addr))
}

func hostBytes(addr uint64, n uint32) []byte {
	return append([]byte(nil), unsafe.Slice((*byte)(hostPointer(addr)), n)...)
}

func (f *fakeFirmware) issue(vmFd uintptr, cmd *kvm.SEVCommand) error {
	if vmFd != f.vmFd {
		return unix.EBADF
	}

	f.codes = append(f.codes, cmd.ID)

	if fl, ok := f.fail[cmd.ID]; ok {
		if fl.once {
			delete(f.fail, cmd.ID)
		}

		cmd.Error = fl.code

		return fl.err
	}

	switch cmd.ID {
	case kvm.SEVLaunchStart:
		p := (*kvm.SEVLaunchStartParams)(hostPointer(cmd.Data))
		f.policy = p.Policy
		f.cert = hostBytes(p.DHUaddr, p.DHLen)
		f.session = hostBytes(p.SessionUaddr, p.SessionLen)
		p.Handle = f.handle
	case kvm.SEVLaunchUpdateData:
		p := (*kvm.SEVLaunchUpdateDataParams)(hostPointer(cmd.Data))
		f.digest.Write(hostBytes(p.Uaddr, p.Len))
	case kvm.SEVLaunchMeasure:
		p := (*kvm.SEVLaunchMeasureParams)(hostPointer(cmd.Data))
		if p.Len != 48 {
			return unix.EINVAL
		}

		m := (*Measurement)(hostPointer(p.Uaddr))
		copy(m.Digest[:], f.digest.Sum(nil))
		m.Nonce[0] = 0xaa
	case kvm.SEVLaunchSecret:
		p := (*kvm.SEVLaunchSecretParams)(hostPointer(cmd.Data))
		if p.HdrLen != 52 {
			return unix.EINVAL
		}

		f.header = *(*Header)(hostPointer(p.HdrUaddr))
		f.secret = hostBytes(p.TransUaddr, p.TransLen)
		f.guestAddr, f.guestLen = p.GuestUaddr, p.GuestLen
	}

	return nil
}

func withIssuer(f issuer) Option {
	return func(c *config) { c.issue = f }
}

func newLaunch(t *testing.T, vm *fakeVM, fw *fakeFirmware, opts ...Option) *Initialized[*fakeVM] {
	t.Helper()

	opts = append([]Option{WithDevice(os.DevNull), withIssuer(fw.issue)}, opts...)

	l, err := New(vm, opts...)
	if err != nil {
		t.Fatal(err)
	}

	return l
}

func measure(t *testing.T, chunks ...[]byte) Measurement {
	t.Helper()

	fw := newFakeFirmware()

	started, err := newLaunch(t, &fakeVM{}, fw).Start(Start{})
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range chunks {
		if err := started.UpdateData(c); err != nil {
			t.Fatal(err)
		}
	}

	measured, err := started.Measure()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := measured.Close(); err != nil {
		t.Fatal(err)
	}

	return measured.Measurement()
}

func TestLaunch(t *testing.T) {
	t.Parallel()

	vm := &fakeVM{name: "guest"}
	fw := newFakeFirmware()

	initialized := newLaunch(t, vm, fw)

	if !vm.launching {
		t.Fatal("New did not claim the vm")
	}

	policy := (PolicyNoDebug | PolicyNoKeySharing).WithAPI(1, 2)

	started, err := initialized.Start(Start{Policy: policy, Cert: []byte("cert"), Session: []byte("session")})
	if err != nil {
		t.Fatal(err)
	}

	if started.Handle() != 7 || fw.policy != uint32(policy) {
		t.Fatalf("handle %d policy %#x", started.Handle(), fw.policy)
	}

	if string(fw.cert) != "cert" || string(fw.session) != "session" {
		t.Fatalf("blobs not passed through: %q %q", fw.cert, fw.session)
	}

	if err := started.UpdateData([]byte("kernel")); err != nil {
		t.Fatal(err)
	}

	if err := started.UpdateData([]byte("initrd")); err != nil {
		t.Fatal(err)
	}

	measured, err := started.Measure()
	if err != nil {
		t.Fatal(err)
	}

	want := sha256.Sum256([]byte("kernelinitrd"))
	if m := measured.Measurement(); m.Digest != want || m.Nonce[0] != 0xaa {
		t.Fatalf("unexpected measurement %x", m)
	}

	secret := Secret{Header: Header{Flags: 1, IV: [16]byte{1}, MAC: [32]byte{2}}, Ciphertext: []byte("wrapped")}
	if err := measured.Inject(secret, 0x7f0000001000, 7); err != nil {
		t.Fatal(err)
	}

	if fw.header != secret.Header || string(fw.secret) != "wrapped" || fw.guestAddr != 0x7f0000001000 || fw.guestLen != 7 {
		t.Fatalf("unexpected secret %+v %q %#x %d", fw.header, fw.secret, fw.guestAddr, fw.guestLen)
	}

	handle, got, err := measured.Finish()
	if err != nil {
		t.Fatal(err)
	}

	if handle != 7 || got != vm || vm.launching {
		t.Fatalf("finish returned handle %d vm %p launching %v", handle, got, vm.launching)
	}

	wantCodes := []kvm.SEVCode{
		kvm.SEVInit, kvm.SEVLaunchStart, kvm.SEVLaunchUpdateData, kvm.SEVLaunchUpdateData,
		kvm.SEVLaunchMeasure, kvm.SEVLaunchSecret, kvm.SEVLaunchFinish,
	}
	if !reflect.DeepEqual(fw.codes, wantCodes) {
		t.Fatalf("have %v, want %v", fw.codes, wantCodes)
	}
}

func TestMeasurementOrder(t *testing.T) {
	t.Parallel()

	a, b := []byte("first"), []byte("second")

	if measure(t, a, b) != measure(t, a, b) {
		t.Fatal("same updates gave different measurements")
	}

	if measure(t, a, b) == measure(t, b, a) {
		t.Fatal("update order does not change the measurement")
	}
}

func TestConsumed(t *testing.T) {
	t.Parallel()

	vm := &fakeVM{}
	fw := newFakeFirmware()

	initialized := newLaunch(t, vm, fw)

	started, err := initialized.Start(Start{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := initialized.Start(Start{}); !errors.Is(err, ErrConsumed) {
		t.Fatalf("restart: have %v, want %v", err, ErrConsumed)
	}

	if _, err := initialized.Close(); !errors.Is(err, ErrConsumed) {
		t.Fatalf("close consumed: have %v, want %v", err, ErrConsumed)
	}

	measured, err := started.Measure()
	if err != nil {
		t.Fatal(err)
	}

	if err := started.UpdateData([]byte{1}); !errors.Is(err, ErrConsumed) {
		t.Fatalf("update after measure: have %v, want %v", err, ErrConsumed)
	}

	if _, err := started.Measure(); !errors.Is(err, ErrConsumed) {
		t.Fatalf("measure twice: have %v, want %v", err, ErrConsumed)
	}

	if _, _, err := measured.Finish(); err != nil {
		t.Fatal(err)
	}

	if err := measured.Inject(Secret{Ciphertext: []byte{1}}, 0, 1); !errors.Is(err, ErrConsumed) {
		t.Fatalf("inject after finish: have %v, want %v", err, ErrConsumed)
	}

	if _, _, err := measured.Finish(); !errors.Is(err, ErrConsumed) {
		t.Fatalf("finish twice: have %v, want %v", err, ErrConsumed)
	}

	if n := len(fw.codes); n != 4 {
		t.Fatalf("consumed phases issued commands: %v", fw.codes)
	}
}

func TestMethodSets(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		typ     reflect.Type
		methods []string
	}{
		{reflect.TypeOf(&Initialized[*fakeVM]{}), []string{"Close", "Start"}},
		{reflect.TypeOf(&Started[*fakeVM]{}), []string{"Close", "Handle", "Measure", "UpdateData", "UpdateVMSA"}},
		{reflect.TypeOf(&Measured[*fakeVM]{}), []string{"Close", "Finish", "Handle", "Inject", "Measurement"}},
	} {
		var have []string
		for i := 0; i < test.typ.NumMethod(); i++ {
			have = append(have, test.typ.Method(i).Name)
		}

		if !reflect.DeepEqual(have, test.methods) {
			t.Errorf("%v: have %v, want %v", test.typ, have, test.methods)
		}
	}
}

func TestFailedTransitionKeepsPhase(t *testing.T) {
	t.Parallel()

	vm := &fakeVM{}
	fw := newFakeFirmware()
	fw.fail[kvm.SEVLaunchStart] = &failure{code: uint32(StatusPolicyFailure), err: unix.EIO, once: true}

	initialized := newLaunch(t, vm, fw)

	_, err := initialized.Start(Start{})
	if !errors.Is(err, &FirmwareError{Code: StatusPolicyFailure}) {
		t.Fatalf("have %v, want policy failure", err)
	}

	var fe *FirmwareError
	if !errors.As(err, &fe) || fe.Op != kvm.SEVLaunchStart || !errors.Is(err, unix.EIO) {
		t.Fatalf("unexpected error %#v", err)
	}

	started, err := initialized.Start(Start{})
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}

	got, err := started.Close()
	if err != nil || got != vm || vm.launching {
		t.Fatalf("close: %v %p %v", err, got, vm.launching)
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name          string
		code          uint32
		indeterminate bool
	}{
		{"os", 0, false},
		{"known", uint32(StatusInvalidLength), false},
		{"last known", uint32(StatusSecureDataInvalid), false},
		{"unknown", 0x19, true},
		{"garbage", 0xdeadbeef, true},
	} {
		err := classify(kvm.SEVLaunchMeasure, test.code, unix.EFAULT)

		var (
			fe *FirmwareError
			ie *IndeterminateError
		)

		switch {
		case test.indeterminate:
			if !errors.As(err, &ie) || ie.Code != test.code {
				t.Errorf("%s: have %v, want indeterminate", test.name, err)
			}
		default:
			if !errors.As(err, &fe) || uint32(fe.Code) != test.code {
				t.Errorf("%s: have %v, want firmware error", test.name, err)
			}
		}

		if !errors.Is(err, unix.EFAULT) {
			t.Errorf("%s: %v does not wrap the os error", test.name, err)
		}
	}
}

func TestNewFailures(t *testing.T) {
	t.Parallel()

	vm := &fakeVM{}
	fw := newFakeFirmware()

	if _, err := New(vm, WithDevice("/nonexistent/sev"), withIssuer(fw.issue)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("have %v, want %v", err, os.ErrNotExist)
	}

	if vm.launching {
		t.Fatal("failed New kept the vm")
	}

	fw.fail[kvm.SEVInit] = &failure{code: uint32(StatusInactive), err: unix.EIO}

	if _, err := New(vm, WithDevice(os.DevNull), withIssuer(fw.issue)); !errors.Is(err, &FirmwareError{Code: StatusInactive}) {
		t.Fatalf("have %v, want inactive", err)
	}

	if vm.launching {
		t.Fatal("failed Init kept the vm")
	}

	delete(fw.fail, kvm.SEVInit)

	l := newLaunch(t, vm, fw)

	if _, err := New(vm, WithDevice(os.DevNull), withIssuer(fw.issue)); !errors.Is(err, errBusy) {
		t.Fatalf("second launch: have %v, want %v", err, errBusy)
	}

	if _, err := l.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestEncryptedState(t *testing.T) {
	t.Parallel()

	fw := newFakeFirmware()

	started, err := newLaunch(t, &fakeVM{}, fw, WithEncryptedState()).Start(Start{Policy: PolicyEncryptedState})
	if err != nil {
		t.Fatal(err)
	}

	if err := started.UpdateVMSA(); err != nil {
		t.Fatal(err)
	}

	if fw.codes[0] != kvm.SEVEsInit || fw.codes[2] != kvm.SEVLaunchUpdateVMSA {
		t.Fatalf("unexpected commands %v", fw.codes)
	}

	plain, err := newLaunch(t, &fakeVM{}, newFakeFirmware()).Start(Start{})
	if err != nil {
		t.Fatal(err)
	}

	if err := plain.UpdateVMSA(); !errors.Is(err, ErrNotEncryptedState) {
		t.Fatalf("have %v, want %v", err, ErrNotEncryptedState)
	}

	if err := plain.UpdateData(nil); !errors.Is(err, ErrEmptyData) {
		t.Fatalf("have %v, want %v", err, ErrEmptyData)
	}
}

func TestPolicy(t *testing.T) {
	t.Parallel()

	p := (PolicyNoDebug | PolicyEncryptedState).WithAPI(0, 17)

	if uint32(p) != 0x11000005 || p.APIMajor() != 0 || p.APIMinor() != 17 {
		t.Fatalf("unexpected policy %#x", uint32(p))
	}

	if p.String() != "nodbg,es,api>=0.17" {
		t.Fatalf("unexpected name %q", p)
	}

	if Policy(0).String() != "api>=0.0" {
		t.Fatalf("unexpected name %q", Policy(0))
	}

	if StatusPolicyFailure.String() != "policy failure" || Status(0x40).String() != "Status(40)" {
		t.Fatal("unexpected status names")
	}
}
