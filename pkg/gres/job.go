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

package gres

import (
	"fmt"
	"strings"

	"github.com/joelandman/slurm/pkg/bitmap"
)

// JobFlags carry per-record request properties.
type JobFlags uint16

const (
	// FlagNoConsume marks requests that do not deplete the node's
	// available pool.
	FlagNoConsume JobFlags = 1 << iota
)

// JobState is one resource kind's per-job request and grant.
type JobState struct {
	TypeID   uint32
	TypeName string
	Flags    JobFlags

	CpusPerGres   uint16
	GresPerJob    uint64
	GresPerNode   uint64
	GresPerSocket uint64
	GresPerTask   uint64
	MemPerGres    uint64
	NtasksPerGres uint16

	// TotalGres is the derived total quantity across the job.
	TotalGres uint64

	// Grant fields, populated at scheduling time.
	NodeCount      uint32
	CountNodeAlloc []uint64
	BitAlloc       []*bitmap.Bitmap

	// Step-consumption overlays, live only while the job runs.
	BitStepAlloc   []*bitmap.Bitmap
	CountStepAlloc []uint64
}

// JobRequest is the input to job request validation. The six
// specification strings distinguish "not specified" (nil) from
// "explicitly empty" (pointer to ""), the latter clearing that
// dimension on an update. The geometry fields are both validated and
// narrowed in place.
type JobRequest struct {
	CpusPerTres   *string
	TresPerJob    *string
	TresPerNode   *string
	TresPerSocket *string
	TresPerTask   *string
	MemPerTres    *string
	NtasksPerTres uint16

	NumTasks        uint32
	MinNodes        uint32
	MaxNodes        uint32
	NtasksPerNode   uint16
	NtasksPerSocket uint16
	SocketsPerNode  uint16
	CpusPerTask     uint16
}

// NewJobRequest returns a request with every geometry field unset.
func NewJobRequest() *JobRequest {
	return &JobRequest{
		NtasksPerTres:   NoVal16,
		NumTasks:        NoVal,
		MinNodes:        NoVal,
		MaxNodes:        NoVal,
		NtasksPerNode:   NoVal16,
		NtasksPerSocket: NoVal16,
		SocketsPerNode:  NoVal16,
		CpusPerTask:     NoVal16,
	}
}

// gresSpec is one parsed "name[:type][:count]" token.
type gresSpec struct {
	name     string
	typeName string
	count    uint64
}

// parseGresList parses a comma-separated resource specification. A
// leading "gres:" on a token is stripped. With two colons the middle
// field is a type; with one colon the field is a count when it parses
// as one and a type with implied count 1 otherwise. A zero count drops
// the token.
func (r *Registry) parseGresList(spec string) ([]gresSpec, error) {
	var out []gresSpec
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		tok = strings.TrimPrefix(tok, "gres:")
		name, typeName, count, err := splitGresToken(tok)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}
		if r.LookupName(name) == nil {
			return nil, fmt.Errorf("%w: unknown resource kind %q", ErrInvalidGres, name)
		}
		out = append(out, gresSpec{name: name, typeName: typeName, count: count})
	}
	return out, nil
}

// findJobGres returns the record matching kind id and type id, or nil.
func findJobGres(list []*JobGres, id, typeID uint32) *JobGres {
	for _, jg := range list {
		if jg.ID == id && jg.State.TypeID == typeID {
			return jg
		}
	}
	return nil
}

// getJobGres returns the record for the spec, creating it if missing.
func (r *Registry) getJobGres(list []*JobGres, spec gresSpec) ([]*JobGres, *JobGres) {
	kind := r.LookupName(spec.name)
	typeID := uint32(0)
	if spec.typeName != "" {
		typeID = BuildID(spec.typeName)
	}
	if jg := findJobGres(list, kind.ID, typeID); jg != nil {
		return list, jg
	}
	jg := &JobGres{
		ID:   kind.ID,
		Name: kind.Name,
		State: &JobState{
			TypeID:   typeID,
			TypeName: spec.typeName,
		},
	}
	return append(list, jg), jg
}

// ValidateJobRequest parses and validates a job's resource request,
// returning the per-kind request records. Geometry fields of req are
// narrowed to derived values. An explicitly empty specification string
// clears that dimension on the existing records instead of rebuilding.
func (r *Registry) ValidateJobRequest(req *JobRequest, existing []*JobGres) ([]*JobGres, error) {
	list := existing

	fields := []struct {
		spec *string
		set  func(*JobState, uint64)
	}{
		{
			spec: req.CpusPerTres,
			set:  func(js *JobState, cnt uint64) { js.CpusPerGres = uint16(cnt) },
		},
		{
			spec: req.TresPerJob,
			set:  func(js *JobState, cnt uint64) { js.GresPerJob = cnt },
		},
		{
			spec: req.TresPerNode,
			set:  func(js *JobState, cnt uint64) { js.GresPerNode = cnt },
		},
		{
			spec: req.TresPerSocket,
			set:  func(js *JobState, cnt uint64) { js.GresPerSocket = cnt },
		},
		{
			spec: req.TresPerTask,
			set:  func(js *JobState, cnt uint64) { js.GresPerTask = cnt },
		},
		{
			spec: req.MemPerTres,
			set:  func(js *JobState, cnt uint64) { js.MemPerGres = cnt },
		},
	}

	for i, f := range fields {
		if f.spec == nil {
			continue
		}
		if *f.spec == "" {
			clearJobField(list, i)
			continue
		}
		specs, err := r.parseGresList(*f.spec)
		if err != nil {
			return existing, err
		}
		for _, spec := range specs {
			var jg *JobGres
			list, jg = r.getJobGres(list, spec)
			f.set(jg.State, spec.count)
			updateJobTotal(jg.State, req, i, spec.count)
		}
	}

	if req.NtasksPerTres != NoVal16 {
		var err error
		list, err = r.applyNtasksPerTres(req, list)
		if err != nil {
			return existing, err
		}
	}

	if len(list) == 0 {
		return nil, nil
	}

	if err := r.checkSharedSharing(list); err != nil {
		return existing, err
	}

	for _, jg := range list {
		if err := testGresCounts(jg, req, r); err != nil {
			return existing, err
		}
	}

	list, err := r.mergeTypedOverlap(list)
	if err != nil {
		return existing, err
	}
	return list, nil
}

// clearJobField resets one request dimension across every record, used
// for administrative updates with an explicitly empty value.
func clearJobField(list []*JobGres, field int) {
	for _, jg := range list {
		js := jg.State
		switch field {
		case 0:
			js.CpusPerGres = 0
		case 1:
			js.GresPerJob = 0
		case 2:
			js.GresPerNode = 0
		case 3:
			js.GresPerSocket = 0
		case 4:
			js.GresPerTask = 0
		case 5:
			js.MemPerGres = 0
		}
	}
}

// updateJobTotal derives the running total quantity for one record.
func updateJobTotal(js *JobState, req *JobRequest, field int, cnt uint64) {
	total := uint64(0)
	switch field {
	case 1: // per job
		total = cnt
	case 2: // per node
		total = cnt
		if req.MaxNodes != NoVal && req.MaxNodes > 0 {
			total = cnt * uint64(req.MaxNodes)
		}
	case 3: // per socket
		total = cnt
		if req.MaxNodes != NoVal && req.MaxNodes > 0 &&
			req.SocketsPerNode != NoVal16 && req.SocketsPerNode > 0 {
			total = cnt * uint64(req.MaxNodes) * uint64(req.SocketsPerNode)
		}
	case 4: // per task
		total = cnt
		if req.NumTasks != NoVal && req.NumTasks > 0 {
			total = cnt * uint64(req.NumTasks)
		}
	default:
		return
	}
	if total > js.TotalGres {
		js.TotalGres = total
	}
}

// applyNtasksPerTres resolves a tasks-per-resource ratio: with no gpu
// request present it synthesizes one from the task count; with one
// present it derives the task count instead. Setting the ratio with
// neither a task count nor a gpu request is a hard validation error.
func (r *Registry) applyNtasksPerTres(req *JobRequest, list []*JobGres) ([]*JobGres, error) {
	gpuTotal := uint64(NoVal64)
	for _, jg := range list {
		if IsSharing(jg.Name) && jg.State.TotalGres > 0 {
			gpuTotal = jg.State.TotalGres
		}
	}
	switch {
	case gpuTotal == NoVal64 && req.NumTasks != NoVal:
		gpus := uint64(req.NumTasks) / uint64(req.NtasksPerTres)
		if uint64(req.NumTasks) != gpus*uint64(req.NtasksPerTres) {
			return list, fmt.Errorf("%w: ntasks %d not a multiple of ntasks-per-gpu %d",
				ErrInvalidGres, req.NumTasks, req.NtasksPerTres)
		}
		specs, err := r.parseGresList(fmt.Sprintf("gres:gpu:%d", gpus))
		if err != nil {
			return list, err
		}
		for _, spec := range specs {
			var jg *JobGres
			list, jg = r.getJobGres(list, spec)
			jg.State.GresPerJob = spec.count
			if spec.count > jg.State.TotalGres {
				jg.State.TotalGres = spec.count
			}
			jg.State.NtasksPerGres = req.NtasksPerTres
		}
	case gpuTotal != NoVal64:
		tasks := gpuTotal * uint64(req.NtasksPerTres)
		if req.NumTasks == NoVal || uint64(req.NumTasks) < tasks {
			req.NumTasks = uint32(tasks)
		}
		for _, jg := range list {
			if IsSharing(jg.Name) {
				jg.State.NtasksPerGres = req.NtasksPerTres
			}
		}
	default:
		return list, fmt.Errorf("%w: ntasks-per-gres set without a task count or gpu request",
			ErrInvalidGres)
	}
	return list, nil
}

// checkSharedSharing rejects requests carrying both the sharing kind
// and its shared subdivision kind.
func (r *Registry) checkSharedSharing(list []*JobGres) error {
	hasSharing, hasShared := false, false
	for _, jg := range list {
		if IsSharing(jg.Name) {
			hasSharing = true
		}
		if IsShared(jg.Name) {
			hasShared = true
		}
	}
	if hasSharing && hasShared {
		return fmt.Errorf("%w: both sharing and shared kinds requested", ErrInvalidGres)
	}
	return nil
}

// testGresCounts runs the full request consistency chain for one
// record, narrowing the job geometry to derived values. Every
// violation is a hard validation error.
func testGresCounts(jg *JobGres, req *JobRequest, r *Registry) error {
	js := jg.State
	shared := IsShared(jg.Name)

	// Ordering between the request dimensions.
	if js.GresPerJob > 0 && js.GresPerNode > 0 && js.GresPerJob < js.GresPerNode {
		return countErr(jg, "per-job below per-node")
	}
	if js.GresPerJob > 0 && js.GresPerSocket > 0 && js.GresPerJob < js.GresPerSocket {
		return countErr(jg, "per-job below per-socket")
	}
	if js.GresPerJob > 0 && js.GresPerTask > 0 && js.GresPerJob < js.GresPerTask {
		return countErr(jg, "per-job below per-task")
	}
	if js.GresPerNode > 0 && js.GresPerSocket > 0 && js.GresPerNode < js.GresPerSocket {
		return countErr(jg, "per-node below per-socket")
	}
	if js.GresPerNode > 0 && js.GresPerTask > 0 && js.GresPerNode < js.GresPerTask {
		return countErr(jg, "per-node below per-task")
	}

	if js.GresPerSocket > 0 && req.SocketsPerNode == NoVal16 && js.GresPerNode == 0 {
		return countErr(jg, "per-socket request without sockets-per-node")
	}

	// per-job with per-node derives the node count.
	if js.GresPerJob > 0 && js.GresPerNode > 0 {
		if js.GresPerJob%js.GresPerNode != 0 {
			return countErr(jg, "per-job not a multiple of per-node")
		}
		nodes := uint32(js.GresPerJob / js.GresPerNode)
		if req.MinNodes != NoVal && req.MinNodes != 0 && nodes < req.MinNodes {
			return countErr(jg, "derived node count below min nodes")
		}
		if req.MaxNodes != NoVal && req.MaxNodes != 0 && nodes > req.MaxNodes {
			return countErr(jg, "derived node count above max nodes")
		}
		req.MinNodes, req.MaxNodes = nodes, nodes
	}

	// per-node with per-socket derives sockets-per-node.
	if js.GresPerNode > 0 && js.GresPerSocket > 0 {
		if js.GresPerNode%js.GresPerSocket != 0 {
			return countErr(jg, "per-node not a multiple of per-socket")
		}
		socks := uint16(js.GresPerNode / js.GresPerSocket)
		if req.SocketsPerNode != NoVal16 && req.SocketsPerNode != 0 &&
			req.SocketsPerNode != socks {
			return countErr(jg, "sockets-per-node inconsistent with request")
		}
		req.SocketsPerNode = socks
	}

	// per-job with per-task derives the task count.
	if js.GresPerJob > 0 && js.GresPerTask > 0 {
		if js.GresPerJob%js.GresPerTask != 0 {
			return countErr(jg, "per-job not a multiple of per-task")
		}
		tasks := uint32(js.GresPerJob / js.GresPerTask)
		if req.NumTasks != NoVal && req.NumTasks != 0 && req.NumTasks != tasks {
			return countErr(jg, "task count inconsistent with request")
		}
		req.NumTasks = tasks
	}

	// per-node with per-task derives tasks-per-node.
	if js.GresPerNode > 0 && js.GresPerTask > 0 {
		if js.GresPerNode%js.GresPerTask != 0 {
			return countErr(jg, "per-node not a multiple of per-task")
		}
		tpn := uint16(js.GresPerNode / js.GresPerTask)
		if req.NtasksPerNode != NoVal16 && req.NtasksPerNode != 0 &&
			req.NtasksPerNode != tpn {
			return countErr(jg, "tasks-per-node inconsistent with request")
		}
		req.NtasksPerNode = tpn
	}

	// per-socket with per-task derives tasks-per-socket.
	if js.GresPerSocket > 0 && js.GresPerTask > 0 {
		if js.GresPerSocket%js.GresPerTask != 0 {
			return countErr(jg, "per-socket not a multiple of per-task")
		}
		tps := uint16(js.GresPerSocket / js.GresPerTask)
		if req.NtasksPerSocket != NoVal16 && req.NtasksPerSocket != 0 &&
			req.NtasksPerSocket != tps {
			return countErr(jg, "tasks-per-socket inconsistent with request")
		}
		req.NtasksPerSocket = tps
	}

	// cpus-per-gres with per-task derives cpus-per-task.
	if js.CpusPerGres > 0 && js.GresPerTask > 0 {
		cpt := uint16(uint64(js.CpusPerGres) * js.GresPerTask)
		if req.CpusPerTask != NoVal16 && req.CpusPerTask != 0 &&
			req.CpusPerTask != cpt {
			return countErr(jg, "cpus-per-task inconsistent with request")
		}
		req.CpusPerTask = cpt
	}

	// Shared subdivision kinds live on one physical device, so any
	// job/socket/task scoped quantity pins the matching geometry to 1.
	if shared {
		if js.GresPerJob > 0 {
			if req.MaxNodes != NoVal && req.MaxNodes > 1 {
				return countErr(jg, "per-job shared request needs max nodes 1")
			}
			req.MinNodes, req.MaxNodes = 1, 1
		}
		if js.GresPerSocket > 0 {
			if req.SocketsPerNode != NoVal16 && req.SocketsPerNode > 1 {
				return countErr(jg, "per-socket shared request needs one socket")
			}
			req.SocketsPerNode = 1
		}
		if js.GresPerTask > 0 {
			if req.NumTasks != NoVal && req.NumTasks > 1 {
				return countErr(jg, "per-task shared request needs one task")
			}
			if req.NumTasks == NoVal {
				return countErr(jg, "per-task shared request without a task count")
			}
			req.NumTasks = 1
		}
	}
	return nil
}

func countErr(jg *JobGres, msg string) error {
	name := jg.Name
	if jg.State.TypeName != "" {
		name += ":" + jg.State.TypeName
	}
	return fmt.Errorf("%w: gres/%s: %s", ErrInvalidGres, name, msg)
}

// mergeTypedOverlap resolves records of the same kind requested both
// with and without a type. A generic untyped record (carrying only
// per-unit cpu/memory ratios) propagates those ratios onto the typed
// records and is dropped; a non-generic overlap is an error.
func (r *Registry) mergeTypedOverlap(list []*JobGres) ([]*JobGres, error) {
	for _, untyped := range list {
		if untyped.State.TypeID != 0 {
			continue
		}
		overlaps := false
		for _, typed := range list {
			if typed != untyped && typed.ID == untyped.ID && typed.State.TypeID != 0 {
				overlaps = true
				break
			}
		}
		if !overlaps {
			continue
		}
		us := untyped.State
		generic := us.GresPerJob == 0 && us.GresPerNode == 0 &&
			us.GresPerSocket == 0 && us.GresPerTask == 0
		if !generic {
			return list, fmt.Errorf("%w: gres/%s requested both typed and untyped",
				ErrInvalidType, untyped.Name)
		}
		var out []*JobGres
		for _, jg := range list {
			if jg == untyped {
				continue
			}
			if jg.ID == untyped.ID && jg.State.TypeID != 0 {
				if jg.State.CpusPerGres == 0 {
					jg.State.CpusPerGres = us.CpusPerGres
				}
				if jg.State.MemPerGres == 0 {
					jg.State.MemPerGres = us.MemPerGres
				}
			}
			out = append(out, jg)
		}
		return r.mergeTypedOverlap(out)
	}
	return list, nil
}

// RevalidateJob rejects grants carrying binding dimensions the
// currently active placement plugin cannot honor, after a controller
// restart under a different plugin.
func RevalidateJob(list []*JobGres, supportsBinding bool) error {
	if supportsBinding {
		return nil
	}
	for _, jg := range list {
		js := jg.State
		if js.GresPerSocket > 0 || js.GresPerTask > 0 || js.CpusPerGres > 0 {
			return fmt.Errorf("%w: gres/%s carries socket/task binding", ErrUnsupported, jg.Name)
		}
	}
	return nil
}

// nodeUnitCount returns the node's current device-unit count for the
// kind; the shared kind's units are indexed by the sharing kind's
// devices.
func nodeUnitCount(nodeList []*NodeGres, r *Registry, id uint32) uint64 {
	if IsSharedID(r, id) {
		id = r.SharingID()
	}
	ng := findNodeGres(nodeList, id)
	if ng == nil {
		return 0
	}
	return ng.State.AvailableCount
}

// IsSharedID returns true if the id names the shared kind.
func IsSharedID(r *Registry, id uint32) bool {
	return r.SharedID() != 0 && id == r.SharedID()
}

// RevalidateJobBitmaps verifies, for every allocated node, that the
// job's device-unit bitmap width still matches the node's current unit
// count. A mismatch means the node's topology changed under the job;
// there is no safe remapping, so the caller must kill the job.
func RevalidateJobBitmaps(r *Registry, jobID uint32, list []*JobGres,
	nodes []NodeStateLookup) error {

	for _, jg := range list {
		js := jg.State
		if len(js.BitAlloc) == 0 {
			continue
		}
		if len(nodes) != int(js.NodeCount) {
			return fmt.Errorf("%w: job %d gres/%s allocated on %d nodes, state has %d",
				ErrBitmapMismatch, jobID, jg.Name, len(nodes), js.NodeCount)
		}
		for i, node := range nodes {
			bits := js.BitAlloc[i]
			if bits == nil {
				continue
			}
			units := nodeUnitCount(node.List, r, jg.ID)
			if uint64(bits.Size()) != units {
				return fmt.Errorf("%w: job %d gres/%s node %s has %d units, bitmap width %d",
					ErrBitmapMismatch, jobID, jg.Name, node.Name, units, bits.Size())
			}
		}
	}
	return nil
}

// NodeStateLookup pairs a node name with its per-kind state list.
type NodeStateLookup struct {
	Name string
	List []*NodeGres
}

// Dup returns a deep copy of the job state.
func (js *JobState) Dup() *JobState {
	if js == nil {
		return nil
	}
	n := *js
	n.CountNodeAlloc = append([]uint64(nil), js.CountNodeAlloc...)
	n.CountStepAlloc = append([]uint64(nil), js.CountStepAlloc...)
	n.BitAlloc = dupBitmaps(js.BitAlloc)
	n.BitStepAlloc = dupBitmaps(js.BitStepAlloc)
	return &n
}

// Extract returns a single-node slice of the job state, for handing
// one node's grant to the compute-node agent.
func (js *JobState) Extract(nodeIndex int) *JobState {
	if js == nil {
		return nil
	}
	n := *js
	n.NodeCount = 1
	n.CountNodeAlloc, n.BitAlloc = nil, nil
	n.CountStepAlloc, n.BitStepAlloc = nil, nil
	if nodeIndex < len(js.CountNodeAlloc) {
		n.CountNodeAlloc = []uint64{js.CountNodeAlloc[nodeIndex]}
	}
	if nodeIndex < len(js.BitAlloc) && js.BitAlloc[nodeIndex] != nil {
		n.BitAlloc = []*bitmap.Bitmap{js.BitAlloc[nodeIndex].Copy()}
	}
	return &n
}

func dupBitmaps(in []*bitmap.Bitmap) []*bitmap.Bitmap {
	if in == nil {
		return nil
	}
	out := make([]*bitmap.Bitmap, len(in))
	for i, b := range in {
		out[i] = b.Copy()
	}
	return out
}

// JobGresCount returns the total quantity of the named kind allocated
// to the job across all nodes, or NoVal64 if the kind is absent.
func JobGresCount(list []*JobGres, name string) uint64 {
	id := BuildID(name)
	total, found := uint64(0), false
	for _, jg := range list {
		if jg.ID != id {
			continue
		}
		found = true
		for _, cnt := range jg.State.CountNodeAlloc {
			total += cnt
		}
		if len(jg.State.CountNodeAlloc) == 0 {
			total += jg.State.TotalGres
		}
	}
	if !found {
		return NoVal64
	}
	return total
}
