// Package environment manages the isolated execution environments that
// validation jobs run against. Each environment is one emulated-backend
// container with its own host endpoint and resource limits, owned by
// exactly one job for its whole life.
package environment

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Limits are the resource bounds applied to one environment.
type Limits struct {
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
}

// DefaultLimits returns the standard per-environment resource bounds:
// 2 GiB of memory, one CPU, 512 processes.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 2 << 30,
		NanoCPUs:    1_000_000_000,
		PidsLimit:   512,
	}
}

// Environment is one running, network-addressable backend instance.
// Endpoint is unique among live environments; the Docker daemon's ephemeral
// port allocator is the claim mechanism, and the manager double-checks on
// registration.
type Environment struct {
	ID          string
	JobID       string
	ContainerID string
	Endpoint    string
	Port        int
	Limits      Limits
	StartedAt   time.Time

	released atomic.Bool
}

// markReleased flips the released flag. Returns false if the environment
// was already released; Release uses this to stay idempotent.
func (e *Environment) markReleased() bool {
	return e.released.CompareAndSwap(false, true)
}

// Released reports whether teardown for this environment has begun.
func (e *Environment) Released() bool {
	return e.released.Load()
}

func (e *Environment) String() string {
	return fmt.Sprintf("env %s (job %s, %s)", e.ID, e.JobID, e.Endpoint)
}
