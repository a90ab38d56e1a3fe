package runtime

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	ferrors "github.com/fusilli-go/fusilli/errors"
)

// NativeRuntime abstracts the IREE runtime library Fusilli links against.
// The real library (iree-runtime) is out of scope for this module
// (spec.md §1 Non-goals); implementations of this interface are supplied
// by callers (a CGo/purego binding in production, a fake in tests) so
// that Handle/Device/Buffer can be exercised without it, mirroring how
// the teacher's runtime.Engine is driven by an injected model.Graph
// rather than a concrete backend.
type NativeRuntime interface {
	// CreateInstance creates a process-wide runtime instance.
	CreateInstance() (NativeInstance, error)
}

// NativeInstance is the shared, refcounted root object of an IREE
// runtime session (spec.md §4.11 "instance").
type NativeInstance interface {
	// CreateDevice opens a device for the given HAL driver name.
	CreateDevice(halDriver string, deviceID int) (NativeDevice, error)
	Close() error
}

// NativeDevice is a per-(backend,deviceID,stream) execution device
// (spec.md §4.11 "device").
type NativeDevice interface {
	Close() error
}

var defaultRuntime NativeRuntime

// SetDefaultRuntime installs the NativeRuntime implementation Handle uses
// when none is passed explicitly. No entry point in this module calls it,
// since no real IREE binding ships here; tests install a fake.
func SetDefaultRuntime(rt NativeRuntime) {
	defaultRuntime = rt
}

// Handle identifies an execution configuration: a backend, a device
// index, and a stream/queue ordinal (spec.md §4.11). Two Handles that
// compare equal by value share the same underlying Instance and Device.
type Handle struct {
	Backend  Backend
	DeviceID int
	Stream   int
}

func (h Handle) key() deviceKey {
	return deviceKey{h.Backend, h.DeviceID, h.Stream}
}

func (h Handle) String() string {
	return fmt.Sprintf("%s:%d/%d", h.Backend, h.DeviceID, h.Stream)
}

type deviceKey struct {
	backend  Backend
	deviceID int
	stream   int
}

// instanceRef and deviceRef are the cache entries for instances and
// devices. Each entry gets a runtime.AddCleanup hook that deletes it from
// its map and closes the resource, but the package-level maps keep every
// entry reachable, so the hook does not run: once created, an instance or
// device stays cached and open for the life of the process. There is no
// refcount, and nothing here reacts to the last Handle going away
// (DESIGN.md Open Question 2).
type instanceRef struct {
	instance NativeInstance
}

type deviceRef struct {
	device NativeDevice
}

var (
	cacheMu       sync.Mutex
	instanceCache map[NativeRuntime]*instanceRef
	deviceCache   map[deviceKey]*deviceRef
)

func init() {
	instanceCache = make(map[NativeRuntime]*instanceRef)
	deviceCache = make(map[deviceKey]*deviceRef)
}

// newSessionID returns the id that tags an Instance's log lines
// (creation, and close/eviction in its cleanup hook) so they can be
// grepped together; device log lines carry no id.
func newSessionID() string { return xid.New().String() }

// resolveInstance returns the process-wide Instance for rt, creating it
// on first use and caching it; see instanceRef for why the registered
// cleanup does not evict it.
func resolveInstance(rt NativeRuntime) (NativeInstance, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if ref, ok := instanceCache[rt]; ok {
		return ref.instance, nil
	}

	inst, err := rt.CreateInstance()
	if err != nil {
		return nil, ferrors.Wrap(ferrors.RuntimeFailure, err, "failed to create runtime instance")
	}
	sid := newSessionID()
	log.Debug().Str("session", sid).Msg("runtime instance created")

	ref := &instanceRef{instance: inst}
	instanceCache[rt] = ref
	runtime.AddCleanup(ref, func(closeFn func() error) {
		cacheMu.Lock()
		delete(instanceCache, rt)
		cacheMu.Unlock()
		if err := closeFn(); err != nil {
			log.Warn().Str("session", sid).Err(err).Msg("runtime instance close failed during cleanup")
		} else {
			log.Debug().Str("session", sid).Msg("runtime instance evicted")
		}
	}, inst.Close)

	return inst, nil
}

// hipDeviceIDToIREEDeviceID translates a HIP device ordinal to the IREE
// HAL HIP driver's device ID space: IREE reserves ID 0 for "any device",
// so the driver's enumeration is offset by one relative to HIP's own
// (ported verbatim from HIP_DEVICE_ID_TO_IREE_DEVICE_ID in
// include/fusilli/backend/runtime.h).
func hipDeviceIDToIREEDeviceID(deviceID int) int { return deviceID + 1 }

// resolveDevice returns the cached Device for key, opening it against
// inst on first use.
func resolveDevice(inst NativeInstance, key deviceKey, halDriver string) (NativeDevice, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if ref, ok := deviceCache[key]; ok {
		return ref.device, nil
	}

	ireeDeviceID := key.deviceID
	if halDriver == "hip" {
		ireeDeviceID = hipDeviceIDToIREEDeviceID(key.deviceID)
	}
	dev, err := inst.CreateDevice(halDriver, ireeDeviceID)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.RuntimeFailure, err, "failed to open device")
	}

	ref := &deviceRef{device: dev}
	deviceCache[key] = ref
	runtime.AddCleanup(ref, func(closeFn func() error) {
		cacheMu.Lock()
		delete(deviceCache, key)
		cacheMu.Unlock()
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("device close failed during cleanup")
		}
	}, dev.Close)

	return dev, nil
}

// Resolve opens (or reuses, from the weak cache) the Instance and Device
// backing h against the given NativeRuntime. Passing rt=nil uses
// SetDefaultRuntime's installed implementation.
func (h Handle) Resolve(rt NativeRuntime) (NativeInstance, NativeDevice, error) {
	if rt == nil {
		rt = defaultRuntime
	}
	if rt == nil {
		return nil, nil, ferrors.New(ferrors.InternalError, "no NativeRuntime installed; call runtime.SetDefaultRuntime first")
	}

	inst, err := resolveInstance(rt)
	if err != nil {
		return nil, nil, err
	}

	halDriver, ok := HALDriver[h.Backend]
	if !ok {
		return nil, nil, ferrors.New(ferrors.InvalidAttribute, "unknown backend %s", h.Backend)
	}

	dev, err := resolveDevice(inst, h.key(), halDriver)
	if err != nil {
		return nil, nil, err
	}
	return inst, dev, nil
}
