// Package memory owns host mappings handed to the hypervisor and the
// append-only table of guest memory regions built from them.
package memory

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrEmptyMapping    = errors.New("mapping has no bytes")
	ErrMappingClosed   = errors.New("mapping is closed")
	ErrHeaderTooSmall  = errors.New("mapping header is smaller than the requested type")
	ErrInvalidAccess   = errors.New("invalid mapping access")
	ErrNegativeSize    = errors.New("negative mapping size")
	errNoFileForMapped = errors.New("file backed mapping without descriptor")
)

const (
	// Poison is an instruction that should force a vmexit.
	// it fills memory to make catching guest errors easier.
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"
)

// Access selects whether stores are visible to other mappings of the same
// object.
type Access uint8

const (
	Shared Access = iota
	Private
)

// Config describes a mapping. The mapped length is HeaderSize + Extra.
type Config struct {
	Access Access
	// Prot is a combination of unix.PROT_* bits. Zero means read/write.
	Prot int
	// Anonymous mappings ignore Fd and Offset.
	Anonymous bool
	Fd        int
	Offset    int64

	HeaderSize int
	Extra      int
}

// Mapping is an owned mmap made of a fixed-size header followed by a
// trailing byte region. The host address never changes until Close.
type Mapping struct {
	buf    []byte
	header int

	once sync.Once
	err  error
}

// New maps memory as described by c.
func New(c Config) (*Mapping, error) {
	if c.HeaderSize < 0 || c.Extra < 0 {
		return nil, ErrNegativeSize
	}

	size := c.HeaderSize + c.Extra
	if size == 0 {
		return nil, ErrEmptyMapping
	}

	var flags int

	switch c.Access {
	case Shared:
		flags = unix.MAP_SHARED
	case Private:
		flags = unix.MAP_PRIVATE
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidAccess, c.Access)
	}

	prot := c.Prot
	if prot == 0 {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}

	fd, off := c.Fd, c.Offset

	if c.Anonymous {
		flags |= unix.MAP_ANONYMOUS
		fd, off = -1, 0
	} else if fd < 0 {
		return nil, errNoFileForMapped
	}

	buf, err := unix.Mmap(fd, off, size, prot, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	return &Mapping{buf: buf, header: c.HeaderSize}, nil
}

// NewAnonymous maps size bytes of zeroed read/write memory with no header.
func NewAnonymous(size int) (*Mapping, error) {
	return New(Config{Access: Shared, Anonymous: true, Extra: size})
}

// NewFile maps size bytes of fd read/write with no header.
func NewFile(fd uintptr, size int) (*Mapping, error) {
	return New(Config{Access: Shared, Fd: int(fd), Extra: size})
}

// Bytes returns the whole mapping, header included.
func (m *Mapping) Bytes() []byte { return m.buf }

// Len returns the mapped length in bytes.
func (m *Mapping) Len() int { return len(m.buf) }

// HeaderSize returns the size of the fixed header.
func (m *Mapping) HeaderSize() int { return m.header }

// Trailing returns the bytes past the header.
func (m *Mapping) Trailing() []byte {
	if m.buf == nil {
		return nil
	}

	return m.buf[m.header:]
}

// Addr returns the host virtual address of the first byte.
func (m *Mapping) Addr() uintptr {
	if len(m.buf) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&m.buf[0]))
}

// Header returns a pointer to the start of the mapping, or nil when the
// mapping has no header.
func (m *Mapping) Header() unsafe.Pointer {
	if m.header == 0 || len(m.buf) == 0 {
		return nil
	}

	return unsafe.Pointer(&m.buf[0])
}

// HeaderOf views the header of m as a T.
func HeaderOf[T any](m *Mapping) (*T, error) {
	var zero T

	if len(m.buf) == 0 {
		return nil, ErrMappingClosed
	}

	if int(unsafe.Sizeof(zero)) > m.header {
		return nil, fmt.Errorf("%w: %d > %d", ErrHeaderTooSmall, unsafe.Sizeof(zero), m.header)
	}

	return (*T)(unsafe.Pointer(&m.buf[0])), nil
}

// Poison fills the trailing bytes with a pattern that traps when executed.
// 0 is a valid instruction and if you start running in the middle of all
// those 0's it is impossible to diagnose.
func (m *Mapping) Poison() {
	t := m.Trailing()
	for i := 0; i < len(t); i += len(Poison) {
		copy(t[i:], Poison)
	}
}

// Close unmaps the memory. Later calls return the result of the first.
func (m *Mapping) Close() error {
	m.once.Do(func() {
		if m.buf == nil {
			return
		}

		m.err = unix.Munmap(m.buf)
		m.buf = nil
	})

	return m.err
}
