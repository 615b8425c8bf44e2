// Package backends defines the interface a compute backend needs to implement
// to hold device memory and order work on device execution queues.
//
// The pipeline core is backend-agnostic: it moves batches between host,
// pinned-host and device memory, and sequences the moves on Queue timelines.
// The concrete backend (a real accelerator runtime, or the pure-Go reference
// backend in backends/hostref) supplies the memory and the queues.
package backends

import (
	"os"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// DeviceNum identifies which device holds a buffer or executes a queue.
// It's up to the backend to interpret it, but it should be between 0 and
// Backend.NumDevices.
type DeviceNum int

// Backend is the API a compute backend needs to implement.
//
// All methods may be called concurrently. Errors are returned, not thrown;
// backends should reserve panics for programming errors.
type Backend interface {
	// Name returns the short name of the backend, e.g. "hostref".
	Name() string

	// Description is a longer description of the Backend for pretty-printing.
	Description() string

	// NumDevices returns the number of devices available.
	NumDevices() DeviceNum

	// NewQueue leases an execution queue on the given device. The caller
	// owns the lease and must call Queue.Finalize to return it.
	NewQueue(deviceNum DeviceNum) (Queue, error)

	// Memory is the sub-interface with the raw allocation and copy
	// primitives.
	Memory

	// Finalize releases all associated resources immediately and makes the
	// backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use if the environment
// variable is not set. See NewWithConfig for the format.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend
// configuration, formatted as "<backend_name>:<backend_configuration>".
const ConfigEnvVar = "BATCHFLOW_BACKEND"

// New returns a new Backend using the default configuration:
//
//  1. The environment variable BATCHFLOW_BACKEND, if set.
//  2. The DefaultConfig variable, if set.
//  3. The first registered backend with an empty configuration.
func New() (Backend, error) {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Backend from a configuration string formatted as
// "<backend_name>:<backend_configuration>". The "<backend_name>" is the name
// of a registered backend and "<backend_configuration>" is backend specific.
func NewWithConfig(config string) (Backend, error) {
	Init()
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		exceptions.Panicf("no registered backends -- import one, e.g. " +
			`import _ "github.com/batchflow/batchflow/backends/hostref"`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}

var (
	initOnce     sync.Once
	shutdownOnce sync.Once
)

// Init performs the process-wide one-time initialization. It is idempotent
// and safe to call from multiple goroutines; only the first call has any
// effect. New calls it implicitly.
func Init() {
	initOnce.Do(func() {
		klog.V(1).Info("backends: process-wide initialization")
	})
}

// Shutdown releases process-wide state. Like Init, it is idempotent. After
// Shutdown, no further backends may be created.
func Shutdown() {
	shutdownOnce.Do(func() {
		muRegistry.Lock()
		defer muRegistry.Unlock()
		registeredConstructors = make(map[string]Constructor)
		firstRegistered = ""
		klog.V(1).Info("backends: process-wide shutdown")
	})
}
