package runtime

import (
	"fmt"
	"math"

	ferrors "github.com/fusilli-go/fusilli/errors"
)

// NativeBuffer is the device-side storage a NativeDevice allocates or
// imports (spec.md §4.12). Read copies the current contents back to the
// host in row-major byte order.
type NativeBuffer interface {
	Read(out []byte) error
	Close() error
}

// BufferAllocator is the subset of NativeDevice capable of producing
// NativeBuffers; split out from NativeDevice so a fake device used only
// for Handle/Instance tests need not implement it.
type BufferAllocator interface {
	NativeDevice
	AllocateBuffer(sizeBytes int) (NativeBuffer, error)
	ImportBuffer(externalView []byte) (NativeBuffer, error)
}

// Buffer is Fusilli's move-only wrapper over a single device allocation
// (spec.md §4.12). The zero value is not usable; construct via Allocate,
// Import, or AllocateRaw. A Buffer must not be copied after a non-error
// constructor call: Close releases the one NativeBuffer it owns, and a
// second Close on a copy would double-release.
type Buffer struct {
	handle Handle
	native NativeBuffer
	nbytes int
}

// elementSize reports the byte width T contributes to a Buffer, used to
// size the native allocation from a Go slice length. Only the numeric
// kinds Fusilli's dtype package maps to Torch/MLIR scalar types are
// supported.
func elementSize[T any]() int {
	var zero T
	switch any(zero).(type) {
	case float32, int32, uint32:
		return 4
	case float64, int64, uint64:
		return 8
	case int16, uint16:
		return 2
	case int8, uint8, bool:
		return 1
	default:
		return 0
	}
}

func asByteSlice[T any](data []T) []byte {
	size := elementSize[T]()
	buf := make([]byte, len(data)*size)
	for i, v := range data {
		writeLE(buf[i*size:(i+1)*size], v)
	}
	return buf
}

func writeLE(dst []byte, v any) {
	switch x := v.(type) {
	case float32:
		putUint32(dst, math.Float32bits(x))
	case float64:
		putUint64(dst, math.Float64bits(x))
	case int32:
		putUint32(dst, uint32(x))
	case uint32:
		putUint32(dst, x)
	case int64:
		putUint64(dst, uint64(x))
	case uint64:
		putUint64(dst, x)
	case int16:
		putUint16(dst, uint16(x))
	case uint16:
		putUint16(dst, x)
	case int8:
		dst[0] = byte(x)
	case uint8:
		dst[0] = x
	case bool:
		if x {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
	}
}

func putUint16(b []byte, v uint16) { b[0], b[1] = byte(v), byte(v>>8) }
func putUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// Allocate creates a new device buffer sized for len(data) elements of T
// and uploads data (spec.md §4.12 "allocate").
func Allocate[T any](h Handle, data []T) (*Buffer, error) {
	size := elementSize[T]()
	if size == 0 {
		return nil, ferrors.New(ferrors.InvalidAttribute, "unsupported buffer element type")
	}
	_, dev, err := h.Resolve(nil)
	if err != nil {
		return nil, err
	}
	alloc, ok := dev.(BufferAllocator)
	if !ok {
		return nil, ferrors.New(ferrors.InternalError, "device does not support buffer allocation")
	}
	raw := asByteSlice(data)
	nb, err := alloc.AllocateBuffer(len(raw))
	if err != nil {
		return nil, ferrors.Wrap(ferrors.RuntimeFailure, err, "buffer allocation failed")
	}
	if imp, ok := nb.(interface{ Write([]byte) error }); ok {
		if err := imp.Write(raw); err != nil {
			return nil, ferrors.Wrap(ferrors.RuntimeFailure, err, "buffer upload failed")
		}
	}
	return &Buffer{handle: h, native: nb, nbytes: len(raw)}, nil
}

// AllocateRaw allocates sizeBytes of uninitialized device storage
// (spec.md §4.12 "allocate_raw"), used for workspace buffers whose size
// comes from the compiled module's reported workspace requirement rather
// than from a TensorAttr shape.
func AllocateRaw(h Handle, sizeBytes int) (*Buffer, error) {
	if sizeBytes < 0 {
		return nil, ferrors.New(ferrors.InvalidAttribute, "negative buffer size %d", sizeBytes)
	}
	_, dev, err := h.Resolve(nil)
	if err != nil {
		return nil, err
	}
	alloc, ok := dev.(BufferAllocator)
	if !ok {
		return nil, ferrors.New(ferrors.InternalError, "device does not support buffer allocation")
	}
	nb, err := alloc.AllocateBuffer(sizeBytes)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.RuntimeFailure, err, "raw buffer allocation failed")
	}
	return &Buffer{handle: h, native: nb, nbytes: sizeBytes}, nil
}

// Import wraps externally-owned host memory as a device-visible buffer
// without copying (spec.md §4.12 "import"), for zero-copy interop with a
// caller-owned byte slice.
func Import(h Handle, externalView []byte) (*Buffer, error) {
	_, dev, err := h.Resolve(nil)
	if err != nil {
		return nil, err
	}
	alloc, ok := dev.(BufferAllocator)
	if !ok {
		return nil, ferrors.New(ferrors.InternalError, "device does not support buffer import")
	}
	nb, err := alloc.ImportBuffer(externalView)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.RuntimeFailure, err, "buffer import failed")
	}
	return &Buffer{handle: h, native: nb, nbytes: len(externalView)}, nil
}

// Read copies the buffer's current device contents into out, which must
// be exactly Len() bytes (spec.md §4.12 "read").
func (b *Buffer) Read(out []byte) error {
	if len(out) != b.nbytes {
		return ferrors.New(ferrors.InvalidAttribute, "read buffer size %d does not match allocation size %d", len(out), b.nbytes)
	}
	if err := b.native.Read(out); err != nil {
		return ferrors.Wrap(ferrors.RuntimeFailure, err, "buffer read failed")
	}
	return nil
}

// Len reports the buffer's size in bytes.
func (b *Buffer) Len() int { return b.nbytes }

// Handle returns the execution handle this buffer was allocated under.
func (b *Buffer) Handle() Handle { return b.handle }

// Close releases the underlying device allocation. Close is idempotent
// only in the sense that calling it on an already-closed Buffer returns
// whatever the native layer reports; Buffer does not guard against
// double-close itself, matching the original's move-only ownership
// discipline (spec.md §4.12).
func (b *Buffer) Close() error {
	if b.native == nil {
		return nil
	}
	if err := b.native.Close(); err != nil {
		return ferrors.Wrap(ferrors.RuntimeFailure, err, "buffer close failed")
	}
	return nil
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer{handle=%s, bytes=%d}", b.handle, b.nbytes)
}
