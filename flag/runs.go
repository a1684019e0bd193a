package flag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/bobuhiro11/sevkvm/kvm"
	"github.com/bobuhiro11/sevkvm/machine"
	"github.com/bobuhiro11/sevkvm/probe"
	"github.com/bobuhiro11/sevkvm/sev"
	"github.com/bobuhiro11/sevkvm/vmm"
)

type CLI struct {
	LogLevel string `enum:"debug,info,warn,error" default:"info" env:"SEVKVM_LOG_LEVEL" help:"log level (${enum})."`

	Probe  ProbeCMD  `cmd:"" help:"Report what the host supports."`
	Run    RunCMD    `cmd:"" help:"Run guest code from the command line."`
	Launch LaunchCMD `cmd:"" help:"Run a guest described by a YAML file, with an optional SEV launch."`
}

type ProbeCMD struct {
	Dev    string `short:"D" default:"${kvm_device}" env:"SEVKVM_DEVICE" help:"path of kvm device"`
	SEVDev string `default:"${sev_device}" env:"SEVKVM_SEV_DEVICE" help:"path of sev device"`
}

type RunCMD struct {
	Dev        string        `short:"D" default:"${kvm_device}" env:"SEVKVM_DEVICE" help:"path of kvm device"`
	Code       string        `xor:"image" help:"guest code as hex bytes"`
	Image      string        `short:"i" xor:"image" type:"existingfile" help:"flat guest image path"`
	Addr       string        `short:"a" default:"0x1000" help:"guest physical address the image is loaded at"`
	Entry      string        `short:"e" help:"initial RIP, defaults to the load address"`
	MemSize    string        `short:"m" default:"64M" help:"memory size: as number[gGmM], optional units, defaults to M"`
	NCPUs      int           `short:"c" default:"1" help:"number of cpus"`
	Mode       string        `enum:"real,protected" default:"real" help:"cpu mode at entry (${enum})"`
	TraceCount string        `short:"T" default:"0" help:"trace every Nth exit -- 0 means tracing disabled"`
	Timeout    time.Duration `short:"t" help:"stop the guest after this long"`
}

type LaunchCMD struct {
	Dev     string        `short:"D" default:"${kvm_device}" env:"SEVKVM_DEVICE" help:"path of kvm device"`
	Config  string        `arg:"" type:"existingfile" help:"YAML guest description"`
	Timeout time.Duration `short:"t" help:"stop the guest after this long, overrides the file"`
}

func options() []kong.Option {
	programName := "sevkvm"
	programDesc := "sevkvm runs small guests on Linux KVM, optionally as AMD SEV guests"

	return []kong.Option{
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.Vars{
			"kvm_device": machine.DefaultDevice,
			"sev_device": sev.DefaultDevice,
		},
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	}
}

func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c, options()...)

	setupLogger(c.LogLevel)

	return ctx.Run()
}

func setupLogger(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func (d *ProbeCMD) Run() error {
	r, err := probe.Collect(d.Dev, d.SEVDev)
	if err != nil {
		return err
	}

	return r.Write(os.Stdout)
}

func (r *RunCMD) Config() (vmm.Config, error) {
	c := vmm.Config{Dev: r.Dev, NCPUs: r.NCPUs}

	var err error

	if r.Image != "" {
		c.Image, err = os.ReadFile(r.Image)
	} else {
		c.Image, err = ParseCode(r.Code)
	}

	if err != nil {
		return c, err
	}

	addr, err := ParseSize(r.Addr, "")
	if err != nil {
		return c, err
	}

	c.LoadAddr = uint64(addr)
	c.Regs = kvm.Regs{RIP: c.LoadAddr}

	if r.Entry != "" {
		entry, err := ParseSize(r.Entry, "")
		if err != nil {
			return c, err
		}

		c.Regs.RIP = uint64(entry)
	}

	if c.MemSize, err = ParseSize(r.MemSize, "m"); err != nil {
		return c, err
	}

	if c.TraceCount, err = ParseSize(r.TraceCount, ""); err != nil {
		return c, err
	}

	if c.Mode, err = ParseMode(r.Mode); err != nil {
		return c, err
	}

	return c, nil
}

func (r *RunCMD) Run() error {
	c, err := r.Config()
	if err != nil {
		return err
	}

	return boot(c, r.Timeout)
}

func (l *LaunchCMD) Run() error {
	g, err := LoadGuestConfig(l.Config)
	if err != nil {
		return err
	}

	c, err := g.VMM(l.Dev)
	if err != nil {
		return err
	}

	if c.Launch != nil {
		secret := c.Launch.Secret
		c.Launch.Secret = func(m sev.Measurement) (*sev.Secret, error) {
			fmt.Fprintf(os.Stderr, "measurement: %x\nnonce: %x\n", m.Digest, m.Nonce)

			if secret == nil {
				return nil, nil
			}

			return secret(m)
		}
	}

	timeout := g.Timeout.Duration()
	if l.Timeout > 0 {
		timeout = l.Timeout
	}

	return boot(c, timeout)
}

func boot(c vmm.Config, timeout time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	v := vmm.New(c)
	defer v.Close()

	if err := v.Init(); err != nil {
		return err
	}

	if err := v.Setup(); err != nil {
		return err
	}

	if err := v.Launch(); err != nil {
		return err
	}

	if c.Launch != nil {
		slog.Info("sev: guest launched", "handle", v.Handle(), "policy", c.Launch.Policy)
	}

	if err := v.Boot(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	for i, s := range v.Stats() {
		slog.Info("cpu stats", "id", i, "stats", s)
	}

	return nil
}
