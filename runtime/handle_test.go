package runtime_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fusilli-go/fusilli/runtime"
)

// fakeBuffer/fakeDevice/fakeInstance/fakeRuntime stand in for the
// out-of-scope IREE runtime library (spec.md §1 Non-goals) so Handle,
// Buffer, and the weak instance/device caches can be exercised, the same
// way the teacher's runtime_test.go builds an Engine from an in-memory
// model.Graph instead of a real compiled kernel.
type fakeBuffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *fakeBuffer) Read(out []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(out, b.data)
	return nil
}
func (b *fakeBuffer) Close() error { return nil }

type fakeDevice struct {
	closed bool
}

func (d *fakeDevice) Close() error { d.closed = true; return nil }
func (d *fakeDevice) AllocateBuffer(sizeBytes int) (runtime.NativeBuffer, error) {
	return &fakeBuffer{data: make([]byte, sizeBytes)}, nil
}
func (d *fakeDevice) ImportBuffer(view []byte) (runtime.NativeBuffer, error) {
	return &fakeBuffer{data: view}, nil
}

type fakeInstance struct {
	mu      sync.Mutex
	devices int
	closed  bool
}

func (i *fakeInstance) CreateDevice(halDriver string, deviceID int) (runtime.NativeDevice, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.devices++
	return &fakeDevice{}, nil
}
func (i *fakeInstance) Close() error { i.closed = true; return nil }

type fakeRuntime struct {
	mu        sync.Mutex
	instances int
}

func (r *fakeRuntime) CreateInstance() (runtime.NativeInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances++
	return &fakeInstance{}, nil
}

func TestHandleResolveCachesInstanceAndDevice(t *testing.T) {
	rt := &fakeRuntime{}
	h := runtime.Handle{Backend: runtime.CPU, DeviceID: 0, Stream: 0}

	inst1, dev1, err := h.Resolve(rt)
	require.NoError(t, err)
	inst2, dev2, err := h.Resolve(rt)
	require.NoError(t, err)

	require.Same(t, inst1, inst2)
	require.Same(t, dev1, dev2)
	require.Equal(t, 1, rt.instances)
}

func TestHandleResolveDistinctDeviceIDsDontShare(t *testing.T) {
	rt := &fakeRuntime{}
	h0 := runtime.Handle{Backend: runtime.CPU, DeviceID: 0}
	h1 := runtime.Handle{Backend: runtime.CPU, DeviceID: 1}

	_, dev0, err := h0.Resolve(rt)
	require.NoError(t, err)
	_, dev1, err := h1.Resolve(rt)
	require.NoError(t, err)

	require.NotSame(t, dev0, dev1)
}

func TestAllocateAndRead(t *testing.T) {
	rt := &fakeRuntime{}
	runtime.SetDefaultRuntime(rt)
	h := runtime.Handle{Backend: runtime.CPU}

	buf, err := runtime.Allocate(h, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, 16, buf.Len())

	out := make([]byte, 16)
	require.NoError(t, buf.Read(out))
	require.NoError(t, buf.Close())
}

func TestAllocateRawAndImport(t *testing.T) {
	rt := &fakeRuntime{}
	runtime.SetDefaultRuntime(rt)
	h := runtime.Handle{Backend: runtime.CPU}

	raw, err := runtime.AllocateRaw(h, 256)
	require.NoError(t, err)
	require.Equal(t, 256, raw.Len())

	view := []byte{1, 2, 3}
	imported, err := runtime.Import(h, view)
	require.NoError(t, err)
	require.Equal(t, 3, imported.Len())
}

func TestUnknownBackendRejected(t *testing.T) {
	rt := &fakeRuntime{}
	h := runtime.Handle{Backend: runtime.Backend(99)}
	_, _, err := h.Resolve(rt)
	require.Error(t, err)
}
