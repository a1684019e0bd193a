package flag

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bobuhiro11/sevkvm/kvm"
	"github.com/bobuhiro11/sevkvm/sev"
	"github.com/bobuhiro11/sevkvm/vmm"
)

var (
	ErrImageAndCode = errors.New("image and code are mutually exclusive")
	ErrUnknownMode  = errors.New("unknown mode")
)

const defaultLoadAddr Address = 0x1000

// Size is a byte count written as number[gGmMkK], megabytes by default.
type Size int

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var v string
	if err := value.Decode(&v); err != nil {
		return err
	}

	n, err := ParseSize(v, "m")
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", v, err)
	}

	*s = Size(n)

	return nil
}

// Address is a guest physical address in any base strconv accepts.
type Address uint64

// UnmarshalYAML implements yaml.Unmarshaler for Address.
func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	var v string
	if err := value.Decode(&v); err != nil {
		return err
	}

	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", v, err)
	}

	*a = Address(n)

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	if s == "" {
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// GuestConfig describes a guest in YAML. Relative paths are resolved
// against the directory of the file.
type GuestConfig struct {
	Image    string        `yaml:"image"`
	Code     string        `yaml:"code"`
	LoadAddr *Address      `yaml:"load_addr"`
	Entry    *Address      `yaml:"entry"`
	Memory   Size          `yaml:"memory"`
	CPUs     int           `yaml:"cpus"`
	Mode     string        `yaml:"mode"`
	Trace    int           `yaml:"trace"`
	Timeout  Duration      `yaml:"timeout"`
	Launch   *LaunchConfig `yaml:"launch"`

	dir string
}

// LaunchConfig is the SEV part of GuestConfig.
type LaunchConfig struct {
	Device         string        `yaml:"device"`
	Policy         Address       `yaml:"policy"`
	EncryptedState bool          `yaml:"encrypted_state"`
	Cert           string        `yaml:"cert"`
	Session        string        `yaml:"session"`
	Secret         *SecretConfig `yaml:"secret"`
}

// SecretConfig names the packet the guest owner wrapped for LaunchSecret.
type SecretConfig struct {
	Header     string  `yaml:"header"`
	Ciphertext string  `yaml:"ciphertext"`
	Addr       Address `yaml:"addr"`
}

// LoadGuestConfig loads a guest description from a YAML file.
func LoadGuestConfig(path string) (*GuestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading guest config: %w", err)
	}

	var c GuestConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing guest config: %w", err)
	}

	// Apply defaults
	if c.LoadAddr == nil {
		addr := defaultLoadAddr
		c.LoadAddr = &addr
	}

	if c.Memory == 0 {
		c.Memory = 64 << 20
	}

	if c.CPUs == 0 {
		c.CPUs = 1
	}

	c.dir = filepath.Dir(path)

	return &c, nil
}

func (c *GuestConfig) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(c.dir, p)
}

func (c *GuestConfig) readFile(p string) ([]byte, error) {
	if p == "" {
		return nil, nil
	}

	return os.ReadFile(c.path(p))
}

// ParseMode maps a mode name to vmm.Mode.
func ParseMode(s string) (vmm.Mode, error) {
	switch s {
	case "", "real":
		return vmm.ModeReal, nil
	case "protected":
		return vmm.ModeProtected, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// VMM turns c into a vmm.Config. The launch secret is read up front; the
// returned config hands it over after logging the measurement.
func (c *GuestConfig) VMM(dev string) (vmm.Config, error) {
	load := uint64(defaultLoadAddr)
	if c.LoadAddr != nil {
		load = uint64(*c.LoadAddr)
	}

	var (
		vc  = vmm.Config{Dev: dev, LoadAddr: load, MemSize: int(c.Memory), NCPUs: c.CPUs, TraceCount: c.Trace}
		err error
	)

	switch {
	case c.Image != "" && c.Code != "":
		return vc, ErrImageAndCode
	case c.Image != "":
		vc.Image, err = c.readFile(c.Image)
	default:
		vc.Image, err = ParseCode(c.Code)
	}

	if err != nil {
		return vc, err
	}

	if vc.Mode, err = ParseMode(c.Mode); err != nil {
		return vc, err
	}

	vc.Regs = kvm.Regs{RIP: load}
	if c.Entry != nil {
		vc.Regs.RIP = uint64(*c.Entry)
	}

	if c.Launch == nil {
		return vc, nil
	}

	if vc.Launch, err = c.Launch.launchConfig(c); err != nil {
		return vc, err
	}

	return vc, nil
}

func (l *LaunchConfig) launchConfig(c *GuestConfig) (*vmm.LaunchConfig, error) {
	lc := &vmm.LaunchConfig{
		Device:         l.Device,
		Policy:         sev.Policy(l.Policy),
		EncryptedState: l.EncryptedState,
	}

	var err error

	if lc.Cert, err = c.readFile(l.Cert); err != nil {
		return nil, err
	}

	if lc.Session, err = c.readFile(l.Session); err != nil {
		return nil, err
	}

	if l.Secret == nil {
		return lc, nil
	}

	s, err := l.Secret.load(c)
	if err != nil {
		return nil, err
	}

	lc.SecretAddr = uint64(l.Secret.Addr)
	lc.Secret = func(sev.Measurement) (*sev.Secret, error) { return s, nil }

	return lc, nil
}

func (s *SecretConfig) load(c *GuestConfig) (*sev.Secret, error) {
	raw, err := c.readFile(s.Header)
	if err != nil {
		return nil, err
	}

	var secret sev.Secret
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &secret.Header); err != nil {
		return nil, fmt.Errorf("secret header %s: %w", s.Header, err)
	}

	if secret.Ciphertext, err = c.readFile(s.Ciphertext); err != nil {
		return nil, err
	}

	return &secret, nil
}
