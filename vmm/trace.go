package vmm

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bobuhiro11/sevkvm/machine"
)

// tracer disassembles the instruction at RIP and resolves its memory
// operand on every nth exit before passing the exit on.
type tracer struct {
	next  machine.ExitHandler
	every int
	n     atomic.Int64
}

func (t *tracer) HandleExit(c *machine.VirtualCPU, e machine.Exit) error {
	if t.n.Add(1)%int64(t.every) == 0 {
		t.trace(c, e)
	}

	return t.next.HandleExit(c, e)
}

func (t *tracer) trace(c *machine.VirtualCPU, e machine.Exit) {
	inst, r, s, err := c.Inst()
	if err != nil {
		slog.Warn("vmm: disassembling after exit", "id", c.ID(), "exit", e, "err", err)

		return
	}

	attrs := []any{"id", c.ID(), "exit", e, "rip", fmt.Sprintf("%#x", r.RIP), "inst", s}

	gpa, ok, err := c.Operand(inst, &r)

	switch {
	case err != nil:
		attrs = append(attrs, "operand_err", err)
	case ok:
		attrs = append(attrs, "operand", fmt.Sprintf("%#x", gpa))
	}

	slog.Info("vmm: trace", attrs...)
}
