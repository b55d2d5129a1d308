// Package registry implements the Scheduler Registry (spec §4.H): a
// process-wide, serialized index of live Scheduler Instances keyed by
// (mode, config_index).
package registry

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/nodepool/gpusched/pkg/config"
	"github.com/nodepool/gpusched/pkg/gpu"
	"github.com/nodepool/gpusched/pkg/scheduler"
	"github.com/nodepool/gpusched/pkg/task"
)

// ErrBusy is returned by Start when the requested identity is already
// live, per spec §4.H.
var ErrBusy = errors.New("registry: identity already live")

// ErrNotFound is returned by Stop/Get for an identity with no live
// Instance.
var ErrNotFound = errors.New("registry: identity not found")

// Identity is the (mode, config_index) pair the Registry indexes by.
type Identity struct {
	Mode        task.Mode
	ConfigIndex int
}

func (id Identity) String() string { return scheduler.Identity(id.Mode, id.ConfigIndex) }

// Deps bundles the collaborators every Instance the Registry starts
// needs; the Probe is shared across instances since it only shells out
// to read current device state.
type Deps struct {
	Probe      *gpu.Probe
	LogBinding scheduler.LogBinding
	Metrics    scheduler.MetricsSink
	Snapshots  scheduler.SnapshotSink
	Logger     *logrus.Entry
	Tracer     trace.Tracer
}

// Registry is the process-wide Scheduler Registry of spec §4.H. All
// operations are serialized behind a single mutex, matching the
// "process-wide... all serialized" wording in spec §4.H.
type Registry struct {
	mu        sync.Mutex
	instances map[Identity]*scheduler.Instance
	deps      Deps
}

// New builds an empty Registry.
func New(deps Deps) *Registry {
	return &Registry{instances: make(map[Identity]*scheduler.Instance), deps: deps}
}

// StartResult is the {ok, identity, pid} tuple spec §4.H's start
// operation returns.
type StartResult struct {
	Identity Identity
	PID      int
}

// Start constructs and starts an Instance for identity, refusing with
// ErrBusy if one is already live (spec §4.H).
func (r *Registry) Start(mode task.Mode, configIndex int, cfg config.SchedulerConfig) (StartResult, error) {
	id := Identity{Mode: mode, ConfigIndex: configIndex}

	r.mu.Lock()
	if _, live := r.instances[id]; live {
		r.mu.Unlock()
		return StartResult{}, ErrBusy
	}
	r.mu.Unlock()

	inst, err := scheduler.NewInstance(mode, configIndex, cfg, scheduler.InstanceDeps{
		Probe:      r.deps.Probe,
		LogBinding: r.deps.LogBinding,
		Metrics:    r.deps.Metrics,
		Snapshots:  r.deps.Snapshots,
		Logger:     r.deps.Logger,
		Tracer:     r.deps.Tracer,
	})
	if err != nil {
		return StartResult{}, err
	}

	r.mu.Lock()
	if _, live := r.instances[id]; live {
		r.mu.Unlock()
		inst.Stop()
		return StartResult{}, ErrBusy
	}
	r.instances[id] = inst
	r.mu.Unlock()

	go r.reapWhenDone(id, inst)

	snap := inst.Snapshot()
	return StartResult{Identity: id, PID: snap.PID}, nil
}

// reapWhenDone removes identity from the registry once its Instance
// exits running/stopping, per spec §4.H's stop contract ("removes the
// entry when the Instance transitions out of running/stopping").
func (r *Registry) reapWhenDone(id Identity, inst *scheduler.Instance) {
	<-inst.Done()
	r.mu.Lock()
	if r.instances[id] == inst {
		delete(r.instances, id)
	}
	r.mu.Unlock()
}

// Stop forwards a stop request to identity's Instance, per spec §4.H.
// It blocks until the Instance has fully unwound.
func (r *Registry) Stop(id Identity) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	inst.Stop()
	return nil
}

// List returns a snapshot of every currently-live Instance.
func (r *Registry) List() []scheduler.Snapshot {
	r.mu.Lock()
	instances := make([]*scheduler.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	snaps := make([]scheduler.Snapshot, 0, len(instances))
	for _, inst := range instances {
		snaps = append(snaps, inst.Snapshot())
	}
	return snaps
}

// Get returns identity's snapshot, or ErrNotFound if it isn't live.
func (r *Registry) Get(id Identity) (scheduler.Snapshot, error) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return scheduler.Snapshot{}, ErrNotFound
	}
	return inst.Snapshot(), nil
}
