package fabric

import "fmt"

// MRAccessFlag represents allowed operations on a registered memory region.
type MRAccessFlag uint32

const (
	// MRAccessLocal allows local access by posted work requests.
	MRAccessLocal MRAccessFlag = 1 << iota
	// MRAccessRemoteRead allows remote peers to issue read operations.
	MRAccessRemoteRead
	// MRAccessRemoteWrite allows remote peers to issue write operations.
	MRAccessRemoteWrite
)

// MRAccessAll is the access set used for regions that take part in every rendezvous variant.
const MRAccessAll = MRAccessLocal | MRAccessRemoteRead | MRAccessRemoteWrite

// MemoryRegion describes a registered buffer: its device-visible base address and the
// local and remote keys that authorise access to it.
type MemoryRegion struct {
	buf    []byte
	addr   uint64
	lkey   uint32
	rkey   uint32
	access MRAccessFlag
}

// NewMemoryRegion is used by providers to describe a completed registration.
func NewMemoryRegion(buf []byte, addr uint64, lkey, rkey uint32, access MRAccessFlag) *MemoryRegion {
	return &MemoryRegion{buf: buf, addr: addr, lkey: lkey, rkey: rkey, access: access}
}

// Bytes returns the registered buffer.
func (m *MemoryRegion) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.buf
}

// Addr returns the device-visible address of the first byte.
func (m *MemoryRegion) Addr() uint64 {
	if m == nil {
		return 0
	}
	return m.addr
}

// Size returns the registered length in bytes.
func (m *MemoryRegion) Size() int {
	if m == nil {
		return 0
	}
	return len(m.buf)
}

// LocalKey returns the key used by locally posted work requests.
func (m *MemoryRegion) LocalKey() uint32 {
	if m == nil {
		return 0
	}
	return m.lkey
}

// RemoteKey returns the key a peer presents for one-sided access.
func (m *MemoryRegion) RemoteKey() uint32 {
	if m == nil {
		return 0
	}
	return m.rkey
}

// Access reports the access flags the region was registered with.
func (m *MemoryRegion) Access() MRAccessFlag {
	if m == nil {
		return 0
	}
	return m.access
}

// HasAccess reports whether every flag in required was granted at registration.
func (m *MemoryRegion) HasAccess(required MRAccessFlag) bool {
	return m != nil && m.access&required == required
}

// Contains reports whether [addr, addr+length) lies inside the region.
func (m *MemoryRegion) Contains(addr uint64, length uint32) bool {
	if m == nil || addr < m.addr {
		return false
	}
	off := addr - m.addr
	return off+uint64(length) <= uint64(len(m.buf))
}

// Range returns the slice of the region backing [addr, addr+length).
func (m *MemoryRegion) Range(addr uint64, length uint32) ([]byte, error) {
	if !m.Contains(addr, length) {
		return nil, ErrOutOfRange
	}
	off := addr - m.addr
	return m.buf[off : off+uint64(length)], nil
}

// Buffer returns a descriptor for length bytes starting offset bytes into the region.
func (m *MemoryRegion) Buffer(offset, length int) (Buffer, error) {
	if m == nil {
		return Buffer{}, ErrInvalidHandle{"memory region"}
	}
	if offset < 0 || length < 0 || offset+length > len(m.buf) {
		return Buffer{}, fmt.Errorf("fabric: buffer [%d,+%d) exceeds region size %d: %w", offset, length, len(m.buf), ErrOutOfRange)
	}
	return Buffer{
		Addr:   m.addr + uint64(offset),
		Length: uint32(length),
		LKey:   m.lkey,
		RKey:   m.rkey,
		region: m,
	}, nil
}

// Buffer names a contiguous range of registered memory.
type Buffer struct {
	Addr   uint64
	Length uint32
	LKey   uint32
	RKey   uint32
	region *MemoryRegion
}

// Bytes returns the registered bytes behind the descriptor, or nil when the buffer
// was not produced by MemoryRegion.Buffer.
func (b Buffer) Bytes() []byte {
	if b.region == nil {
		return nil
	}
	buf, err := b.region.Range(b.Addr, b.Length)
	if err != nil {
		return nil
	}
	return buf
}

// Slice narrows the buffer to its first n bytes.
func (b Buffer) Slice(n int) Buffer {
	if n < 0 {
		n = 0
	}
	if uint32(n) < b.Length {
		b.Length = uint32(n)
	}
	return b
}
