package memory

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bobuhiro11/sevkvm/kvm"
)

var (
	ErrSlotsExhausted = errors.New("maximal numbers of slots exhausted")
	ErrRegionNotFound = errors.New("unable to find memory region")
)

const maxSlotsPerSpace = 1 << 16

// Region is one registered guest memory range and the host mapping behind it.
type Region struct {
	Slot      kvm.Slot
	Flags     kvm.MemoryFlags
	GuestAddr uint64
	Size      uint64
	Mapping   *Mapping
}

// Contains reports whether [gpa, gpa+n) lies inside the region.
func (r *Region) Contains(gpa, n uint64) bool {
	if gpa < r.GuestAddr {
		return false
	}

	off := gpa - r.GuestAddr

	return off <= r.Size && n <= r.Size-off
}

// Table holds the regions of every address space in registration order.
// Indices are dense, start at 0 and are never reused. Table does no
// locking of its own.
type Table struct {
	spaces map[uint16][]*Region
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{spaces: make(map[uint16][]*Region)}
}

// Next returns the slot the next region of space will get.
func (t *Table) Next(space uint16) (kvm.Slot, error) {
	n := len(t.spaces[space])
	if n >= maxSlotsPerSpace {
		return 0, fmt.Errorf("%w: address space %d", ErrSlotsExhausted, space)
	}

	return kvm.MakeSlot(space, uint16(n)), nil
}

// Append records r. r.Slot must be the value Next returned for its space.
func (t *Table) Append(r *Region) error {
	want, err := t.Next(r.Slot.AddressSpace())
	if err != nil {
		return err
	}

	if r.Slot != want {
		return fmt.Errorf("region slot %s out of order, next is %s", r.Slot, want)
	}

	t.spaces[want.AddressSpace()] = append(t.spaces[want.AddressSpace()], r)

	return nil
}

// Len returns the number of regions in space.
func (t *Table) Len(space uint16) int {
	return len(t.spaces[space])
}

// Regions returns a copy of the region list of space.
func (t *Table) Regions(space uint16) []Region {
	rs := make([]Region, 0, len(t.spaces[space]))
	for _, r := range t.spaces[space] {
		rs = append(rs, *r)
	}

	return rs
}

// Spaces returns the address spaces holding at least one region, ascending.
func (t *Table) Spaces() []uint16 {
	s := make([]uint16, 0, len(t.spaces))
	for space, rs := range t.spaces {
		if len(rs) > 0 {
			s = append(s, space)
		}
	}

	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })

	return s
}

// Lookup finds the region of space holding [gpa, gpa+n).
func (t *Table) Lookup(space uint16, gpa, n uint64) (*Region, error) {
	for _, r := range t.spaces[space] {
		if r.Contains(gpa, n) {
			return r, nil
		}
	}

	return nil, fmt.Errorf("%w: %d:%#x+%#x", ErrRegionNotFound, space, gpa, n)
}

// Release unmaps every mapping and empties the table.
func (t *Table) Release() error {
	var errs []error

	for _, space := range t.Spaces() {
		for _, r := range t.spaces[space] {
			if err := r.Mapping.Close(); err != nil {
				errs = append(errs, fmt.Errorf("region %s: %w", r.Slot, err))
			}
		}
	}

	t.spaces = make(map[uint16][]*Region)

	return errors.Join(errs...)
}
