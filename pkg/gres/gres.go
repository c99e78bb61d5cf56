// Copyright The Slurm GRES Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gres tracks consumable non-CPU resources (GPUs, MPS slices,
// NICs, arbitrary named devices) at node, job, and job-step scope, and
// answers whether a job or step fits on a node and which device units
// and cores it should get.
package gres

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/joelandman/slurm/pkg/bitmap"
)

const (
	// NoVal16, NoVal and NoVal64 are the "unset / to be determined"
	// sentinels. They are distinct from legitimate large counts.
	NoVal16 = uint16(0xfffe)
	NoVal   = uint32(0xfffffffe)
	NoVal64 = uint64(0xfffffffffffffffe)
	// Infinite64 marks an unconstrained 64-bit quantity.
	Infinite64 = ^uint64(0)

	// Magic tags every packed record, directly after the kind id.
	Magic = uint32(0x438a34d4)

	// MaxUnitBitmap bounds per-unit tracking. Kinds with more units
	// than this are tracked by count only.
	MaxUnitBitmap = 1024

	// MaxLink is the largest valid link distance between two units.
	// Valid distances are -2 (no connection), -1 (self), 0 (system
	// interconnect) and 1..MaxLink (device interconnect hops).
	MaxLink = 1023
)

// CapabilityState tells how far a resource kind's backing
// implementation got. CountOnly kinds are tracked by quantity but
// cannot bind individual device units to environments.
type CapabilityState int

const (
	// Unconfigured means the kind is not configured at all.
	Unconfigured CapabilityState = iota
	// CountOnly means the kind is configured but has no backing
	// implementation, so it degrades to count tracking.
	CountOnly
	// Loaded means the kind has a fully loaded backing implementation.
	Loaded
)

// String returns the capability state name.
func (s CapabilityState) String() string {
	switch s {
	case CountOnly:
		return "count-only"
	case Loaded:
		return "loaded"
	}
	return "unconfigured"
}

// KindOps is the capability set a device backend may implement for a
// resource kind. All capabilities are optional; they are discovered
// with type assertions against the narrower interfaces below and a
// missing capability means skip, not error.
type KindOps interface {
	// KindName returns the resource kind the backend serves.
	KindName() string
}

// InventoryLoader lets a backend see the reconciled node inventory.
type InventoryLoader interface {
	LoadNodeInventory(units []*DiscoveredUnit) error
}

// EnvSetter produces environment mutations for a selection of
// allocated device units.
type EnvSetter interface {
	SetEnv(env map[string]string, units *bitmap.Bitmap, count uint64)
}

// DeviceEnumerator lists the individually addressable devices of a
// kind.
type DeviceEnumerator interface {
	Devices() []Device
}

// Device is one enumerated device file.
type Device struct {
	Path  string
	Major uint32
	Minor uint32
	Index int
}

// Kind is one registered resource kind.
type Kind struct {
	// ID is the stable 32-bit identifier hashed from Name.
	ID uint32
	// Name is the resource kind name ("gpu", "mps", ...).
	Name string
	// State tells whether a backend is loaded for this kind.
	State CapabilityState
	// Ops is the backend capability set, nil for count-only kinds.
	Ops KindOps
	// TotalConfigured accumulates the cluster-wide configured count.
	TotalConfigured uint64
	// HasFile is set once any node reports per-unit device files.
	HasFile bool
	// HasType is set once any node reports typed units.
	HasType bool
}

// Shared returns true for kinds whose units are slices of another
// kind's physical device (mps).
func (k *Kind) Shared() bool {
	return IsShared(k.Name)
}

// Sharing returns true for kinds whose physical devices back a shared
// kind's slices (gpu).
func (k *Kind) Sharing() bool {
	return IsSharing(k.Name)
}

// IsShared returns true if the named kind consumes slices of a single
// physical device.
func IsShared(name string) bool {
	return name == "mps"
}

// IsSharing returns true if the named kind's devices are subdivided by
// a shared kind.
func IsSharing(name string) bool {
	return name == "gpu"
}

// BuildID computes the stable identifier for a resource kind or type
// name with a rolling shift hash. Collisions between distinct
// configured names are a fatal configuration error detected at
// registry construction.
func BuildID(name string) uint32 {
	var id uint32
	for i, j := 0, 0; i < len(name); i++ {
		id += uint32(name[i]) << j
		j = (j + 8) % 32
	}
	return id
}

// Registry holds the configured resource kinds in their fixed
// initialization order. A single non-reentrant mutex guards all
// mutable registry state; no fit-engine call may be made while it is
// held.
type Registry struct {
	mu    sync.Mutex
	kinds []*Kind
	byID  map[uint32]*Kind

	haveGPU bool
	haveMPS bool
	gpuID   uint32
	mpsID   uint32
}

// RegistryOption configures a Registry at construction.
type RegistryOption func(*Registry) error

// WithKindOps attaches a backend capability set to the named kind.
// Kinds without a backend degrade to count-only tracking.
func WithKindOps(ops KindOps) RegistryOption {
	return func(r *Registry) error {
		for _, k := range r.kinds {
			if k.Name == ops.KindName() {
				k.Ops = ops
				k.State = Loaded
				return nil
			}
		}
		return fmt.Errorf("%w: backend for unconfigured kind %q",
			ErrInvalidGres, ops.KindName())
	}
}

// NewRegistry builds the registry from the ordered, comma-separated
// resource kind list. Duplicate names are rejected, "mps" is moved
// after "gpu" and is an error without "gpu" in the list, and a
// stable-id collision between two distinct names is an error the
// process must not continue past.
func NewRegistry(kindList string, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{byID: make(map[uint32]*Kind)}

	var names []string
	seen := map[string]bool{}
	sawMPS := false
	for _, name := range strings.Split(kindList, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKind, name)
		}
		seen[name] = true
		if IsShared(name) {
			// mps is registered last so it always sees gpu state
			// settled first during node validation.
			sawMPS = true
			continue
		}
		names = append(names, name)
	}
	if sawMPS {
		if !seen["gpu"] {
			return nil, fmt.Errorf("%w: gres/mps requires gres/gpu", ErrSharedWithout)
		}
		names = append(names, "mps")
	}

	for _, name := range names {
		if err := r.add(name); err != nil {
			return nil, err
		}
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(name string) error {
	id := BuildID(name)
	if other, ok := r.byID[id]; ok {
		if other.Name == name {
			return nil
		}
		return fmt.Errorf("%w: %q and %q both hash to %d",
			ErrIDCollision, other.Name, name, id)
	}
	k := &Kind{ID: id, Name: name, State: CountOnly}
	r.kinds = append(r.kinds, k)
	r.byID[id] = k
	switch {
	case IsSharing(name):
		r.haveGPU, r.gpuID = true, id
	case IsShared(name):
		r.haveMPS, r.mpsID = true, id
	}
	log.Debug("registered gres/%s id %d", name, id)
	return nil
}

// Add registers one more kind after construction. Adding an already
// registered name is a no-op.
func (r *Registry) Add(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(name)
}

// Close releases all kind state. Safe to call on a never-initialized
// registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = nil
	r.byID = map[uint32]*Kind{}
	r.haveGPU, r.haveMPS = false, false
}

// Kinds returns the kinds in their fixed initialization order.
func (r *Registry) Kinds() []*Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Kind(nil), r.kinds...)
}

// Lookup returns the kind with the given id, or nil.
func (r *Registry) Lookup(id uint32) *Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// LookupName returns the named kind, or nil.
func (r *Registry) LookupName(name string) *Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.kinds {
		if k.Name == name {
			return k
		}
	}
	return nil
}

// SharedID returns the id of the shared kind (mps), or 0.
func (r *Registry) SharedID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mpsID
}

// SharingID returns the id of the sharing kind (gpu), or 0.
func (r *Registry) SharingID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gpuID
}

// HaveSharedKinds returns true if both the sharing and the shared kind
// are configured.
func (r *Registry) HaveSharedKinds() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.haveGPU && r.haveMPS
}

// NodeGres binds one kind's per-node state to its kind identity.
type NodeGres struct {
	ID    uint32
	Name  string
	State *NodeState
}

// JobGres binds one kind's per-job state to its kind identity.
type JobGres struct {
	ID    uint32
	Name  string
	State *JobState
}

// StepGres binds one kind's per-step state to its kind identity.
type StepGres struct {
	ID    uint32
	Name  string
	State *StepState
}

// findNodeGres returns the entry for the given kind id, or nil.
func findNodeGres(list []*NodeGres, id uint32) *NodeGres {
	for _, ng := range list {
		if ng.ID == id {
			return ng
		}
	}
	return nil
}

// parseCount parses a count with an optional K/M/G/T/P suffix, each a
// power of 1024.
func parseCount(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty count", ErrInvalidGres)
	}
	mult := uint64(1)
	switch last := s[len(s)-1]; last {
	case 'k', 'K':
		mult = 1024
	case 'm', 'M':
		mult = 1024 * 1024
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
	case 't', 'T':
		mult = 1024 * 1024 * 1024 * 1024
	case 'p', 'P':
		mult = 1024 * 1024 * 1024 * 1024 * 1024
	}
	num := s
	if mult != 1 {
		num = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid count %q", ErrInvalidGres, s)
	}
	return v * mult, nil
}

// countSuffix reduces a count to the largest exact power-of-1024
// multiple, for canonical redisplay ("2048" -> 2,"K").
func countSuffix(count uint64) (uint64, string) {
	suffixes := []struct {
		div uint64
		s   string
	}{
		{1024 * 1024 * 1024 * 1024 * 1024, "P"},
		{1024 * 1024 * 1024 * 1024, "T"},
		{1024 * 1024 * 1024, "G"},
		{1024 * 1024, "M"},
		{1024, "K"},
	}
	if count == 0 {
		return 0, ""
	}
	for _, sf := range suffixes {
		if count%sf.div == 0 {
			return count / sf.div, sf.s
		}
	}
	return count, ""
}

func fmtUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
