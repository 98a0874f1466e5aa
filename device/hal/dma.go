package hal

import (
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/softudc/pkg"
)

// DMAAlignment is the byte alignment the DMA engine requires of every
// buffer start address.
const DMAAlignment = 32

// DMABuffer is a byte buffer whose start address satisfies [DMAAlignment].
// It is the only way to hand memory to the DMA engine.
//
// A buffer is pinned while a descriptor referencing it is owned by the
// hardware; callers must keep it reachable and must not reuse it until the
// transfer call that pinned it returns.
type DMABuffer struct {
	buf  []byte
	pins atomic.Int32
}

// AllocDMABuffer allocates an aligned buffer of n bytes.
func AllocDMABuffer(n int) *DMABuffer {
	raw := make([]byte, n+DMAAlignment)
	skip := 0
	if rem := int(addressOf(raw) % DMAAlignment); rem != 0 {
		skip = DMAAlignment - rem
	}
	return &DMABuffer{buf: raw[skip : skip+n : skip+n]}
}

// WrapDMABuffer adopts b without copying. It fails with [pkg.ErrMisaligned]
// if b does not start on a [DMAAlignment] boundary.
func WrapDMABuffer(b []byte) (*DMABuffer, error) {
	if len(b) > 0 && addressOf(b)%DMAAlignment != 0 {
		return nil, pkg.ErrMisaligned
	}
	return &DMABuffer{buf: b}, nil
}

// Bytes returns the underlying storage.
func (b *DMABuffer) Bytes() []byte {
	return b.buf
}

// Len returns the buffer length in bytes.
func (b *DMABuffer) Len() int {
	return len(b.buf)
}

// Addr returns the bus address of the first byte.
func (b *DMABuffer) Addr() uintptr {
	return addressOf(b.buf)
}

// Window returns the sub-slice [off, off+n), or an error if it exceeds the
// buffer.
func (b *DMABuffer) Window(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(b.buf) {
		return nil, pkg.ErrBufferTooSmall
	}
	return b.buf[off : off+n], nil
}

// Pin marks the buffer as referenced by a hardware descriptor.
func (b *DMABuffer) Pin() {
	b.pins.Add(1)
}

// Unpin releases a reference taken by Pin.
func (b *DMABuffer) Unpin() {
	b.pins.Add(-1)
}

// Pinned reports whether any descriptor still references the buffer.
func (b *DMABuffer) Pinned() bool {
	return b.pins.Load() > 0
}

func addressOf(b []byte) uintptr {
	if cap(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
